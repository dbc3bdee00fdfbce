package pubsub

import (
	"context"
	"sync"

	"palsrelay/internal/models"
)

const localBuffer = 256

type localSub struct {
	pattern string
	ch      chan models.Envelope
	done    <-chan struct{}
}

// LocalBus is an in-process Bridge. Gateways in the same process that share
// a LocalBus behave like separate instances connected by a real bus.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	closed bool
}

var _ Bridge = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSub]struct{})}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	// Round-trip through the codec so subscribers never share memory with
	// the publisher, same as on a real wire.
	data, err := Encode(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*localSub
	for s := range b.subs {
		if match(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		decoded, err := Decode(data)
		if err != nil {
			return err
		}
		select {
		case s.ch <- decoded:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, pattern string) (<-chan models.Envelope, error) {
	out := make(chan models.Envelope)
	in := make(chan models.Envelope, localBuffer)
	s := &localSub{pattern: pattern, ch: in, done: ctx.Done()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-in:
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
