// Package storage holds the adapters for the stores the gateway does not
// own: conversation membership and message persistence.
package storage

import (
	"context"

	"palsrelay/internal/models"
)

// Membership answers authorization questions about conversations. It must
// reflect the latest committed membership; callers treat errors as deny.
type Membership interface {
	IsMember(ctx context.Context, userID, conversationID int64) (bool, error)
	MembersOf(ctx context.Context, conversationID int64) ([]int64, error)
	ConversationsOf(ctx context.Context, userID int64) ([]int64, error)
}

// NewMessage is a validated message ready to be persisted.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Type           models.MessageType
	Content        string
	MediaRef       string
}

// Persisted carries the identity assigned by the store.
type Persisted struct {
	ID        int64
	Timestamp int64 // Unix milliseconds
}

// MessageStore persists chat messages. One call per message event.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg NewMessage) (Persisted, error)
}

// Store combines both collaborators.
type Store interface {
	Membership
	MessageStore
	Close() error
}
