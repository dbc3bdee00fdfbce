// Package presence tracks which users are online and holds short-lived
// markers such as typing indicators. Every value expires on its own, so a
// crashed gateway instance never leaves a user online for longer than one
// TTL window.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("presence: key not found")

// Store is the presence-class key-value store shared by all gateway
// instances. Implementations are bound to one gateway instance: MarkOnline
// and ClearOnline only touch that instance's contribution to a user's
// presence.
type Store interface {
	MarkOnline(ctx context.Context, userID int64, ttl time.Duration) error
	ClearOnline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)

	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Get returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) (string, error)
}

const typingValue = "typing"

func onlineKey(userID int64) string {
	return "ws_online:" + strconv.FormatInt(userID, 10)
}

// TypingKey is the marker key for a user typing in a conversation.
func TypingKey(conversationID, userID int64) string {
	return fmt.Sprintf("typing:%d:%d", conversationID, userID)
}

// SetTyping sets or clears the typing marker of a user in a conversation.
func SetTyping(ctx context.Context, s Store, conversationID, userID int64, typing bool, ttl time.Duration) error {
	key := TypingKey(conversationID, userID)
	if !typing {
		return s.Delete(ctx, key)
	}
	return s.SetWithTTL(ctx, key, typingValue, ttl)
}

// IsTyping reports whether an unexpired typing marker exists.
func IsTyping(ctx context.Context, s Store, conversationID, userID int64) (bool, error) {
	_, err := s.Get(ctx, TypingKey(conversationID, userID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
