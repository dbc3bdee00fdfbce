package pubsub

import (
	"context"
	"time"

	"palsrelay/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	minRetryDelay = 200 * time.Millisecond
	maxRetryDelay = 10 * time.Second
)

// RedisBridge publishes over Redis PUBLISH and subscribes with PSUBSCRIBE.
// When the subscription breaks it is re-established in the background with
// a capped exponential delay; envelopes published in between are lost.
type RedisBridge struct {
	client redis.UniversalClient
	log    *zap.Logger
}

var _ Bridge = (*RedisBridge)(nil)

func NewRedisBridge(client redis.UniversalClient, log *zap.Logger) *RedisBridge {
	return &RedisBridge{client: client, log: log.Named("redis-bridge")}
}

func (b *RedisBridge) Publish(ctx context.Context, topic string, env models.Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBridge) Subscribe(ctx context.Context, pattern string) (<-chan models.Envelope, error) {
	out := make(chan models.Envelope)
	go func() {
		defer close(out)
		delay := minRetryDelay
		for {
			err := b.consume(ctx, pattern, out, func() { delay = minRetryDelay })
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("subscription lost, retrying",
				zap.String("pattern", pattern),
				zap.Duration("delay", delay),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxRetryDelay)
		}
	}()
	return out, nil
}

// consume runs one subscription until it fails or ctx is done.
func (b *RedisBridge) consume(ctx context.Context, pattern string, out chan<- models.Envelope, onSubscribed func()) error {
	ps := b.client.PSubscribe(ctx, pattern)
	defer func() { _ = ps.Close() }()

	// Wait for the confirmation so connection errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	onSubscribed()
	b.log.Info("subscribed", zap.String("pattern", pattern))

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		env, err := Decode([]byte(msg.Payload))
		if err != nil {
			b.log.Warn("dropping undecodable envelope", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close is a no-op: the client is shared with the presence store and owned
// by the caller. Subscriptions end with their contexts.
func (b *RedisBridge) Close() error {
	return nil
}
