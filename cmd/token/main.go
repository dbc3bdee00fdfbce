// Command token mints a development access token for a user id, signed
// with the JWT_SECRET the gateway verifies against.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"palsrelay/internal/auth"
	"palsrelay/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: token <user-id>")
		os.Exit(1)
	}

	userID, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil || userID <= 0 {
		fmt.Printf("Invalid user id %q\n", os.Args[1])
		os.Exit(1)
	}

	cfg, err := config.Load(true)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(ctx, auth.Config{
		Secret:    cfg.JWTSecret,
		Algorithm: cfg.JWTAlgorithm,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, expires, err := verifier.Issue(userID)
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}
