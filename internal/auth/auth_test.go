package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier(t *testing.T) {
	const t0Unix = 1700000000

	createVerifier := func(t *testing.T, secret string) (*Verifier, *time.Time) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		v, err := NewVerifier(ctx, Config{Secret: secret, TokenExpiry: time.Hour})
		if err != nil {
			t.Fatalf("Failed to create verifier: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		v.now = func() time.Time {
			return currentTime
		}
		return v, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		token, exp, err := v.Issue(42)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if exp.Unix() != t0Unix+3600 {
			t.Errorf("Expected expiry %d, got %d", t0Unix+3600, exp.Unix())
		}

		userID, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if userID != 42 {
			t.Errorf("Expected user 42, got %d", userID)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		v, now := createVerifier(t, "server-secret")
		token, _, _ := v.Issue(1)

		*now = now.Add(2 * time.Hour)
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		issuer, _ := createVerifier(t, "other-secret")
		v, _ := createVerifier(t, "server-secret")
		token, _, _ := issuer.Issue(1)

		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
			t.Errorf("Expected ErrMissingToken, got %v", err)
		}
		if _, err := v.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Revoked", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		token, _, _ := v.Issue(7)
		v.Revoke(token)

		if _, err := v.Verify(token); !errors.Is(err, ErrRevokedToken) {
			t.Errorf("Expected ErrRevokedToken, got %v", err)
		}
	})

	t.Run("SubjectOnly", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "9",
			"exp": int64(t0Unix + 60),
		}).SignedString([]byte("server-secret"))
		if err != nil {
			t.Fatal(err)
		}

		userID, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if userID != 9 {
			t.Errorf("Expected user 9, got %d", userID)
		}
	})

	t.Run("BadUserIDRejected", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		claims := []jwt.MapClaims{
			{"user_id": 1.5},
			{"user_id": 1e19},
			{"user_id": 0},
			{"user_id": -3},
			{"user_id": "-3"},
			{"user_id": "abc"},
			{"sub": "0"},
			{},
		}
		for _, c := range claims {
			c["exp"] = int64(t0Unix + 60)
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("server-secret"))
			if err != nil {
				t.Fatal(err)
			}
			if userID, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("claims %v: expected ErrInvalidToken, got user %d err %v", c, userID, err)
			}
		}
	})

	t.Run("NoneAlgRejected", func(t *testing.T) {
		v, _ := createVerifier(t, "server-secret")
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"user_id": 1,
			"exp":     int64(t0Unix + 60),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Error("Expected error for empty secret")
	}

	c = Config{Secret: "s", Algorithm: "RS256"}
	if err := c.Validate(); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}

	c = Config{Secret: "s"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if c.TokenExpiry != DefaultTokenExpiry {
		t.Errorf("Expected default expiry, got %v", c.TokenExpiry)
	}
}
