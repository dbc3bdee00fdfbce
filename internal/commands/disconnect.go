package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"palsrelay/internal/api"
	"palsrelay/internal/config"
)

// DisconnectUser asks the running gateway to close every session of the
// user, optionally revoking the token the client would reconnect with.
func DisconnectUser(userID int64, revokeToken string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.DisconnectRequest{Token: revokeToken})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users/%d/disconnect", cfg.AdminAddr, userID)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to disconnect user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.DisconnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("User %d disconnected.\n", userID)
	fmt.Printf("Local sessions closed: %d\n", result.Closed)
	if revokeToken != "" {
		fmt.Println("Token revoked.")
	}
	return nil
}

// CreateConversation seeds a conversation through the admin API.
func CreateConversation(req api.CreateConversationRequest, cfg *config.Config) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/conversations", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create conversation (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.CreateConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Conversation %d created.\n", result.ID)
	return nil
}
