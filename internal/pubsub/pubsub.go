// Package pubsub carries envelopes between gateway instances. Topics are
// per user (user:<id>), so the bus never needs to know conversation
// membership. Delivery is fire and forget: nothing is queued while a
// backend is unreachable.
package pubsub

import (
	"context"
	"errors"
	"strings"

	"palsrelay/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrClosed = errors.New("pubsub: bridge closed")

// Bridge is a cross-process publish/subscribe bus.
type Bridge interface {
	// Publish sends the envelope to every current subscriber of topic.
	Publish(ctx context.Context, topic string, env models.Envelope) error
	// Subscribe streams envelopes published to topics matching pattern
	// until ctx is done; the channel is closed afterwards. A trailing "*"
	// matches any suffix.
	Subscribe(ctx context.Context, pattern string) (<-chan models.Envelope, error)
	Close() error
}

// Encode serialises an envelope for the wire.
func Encode(env models.Envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (models.Envelope, error) {
	var env models.Envelope
	err := msgpack.Unmarshal(data, &env)
	return env, err
}

func match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
