package pubsub

import (
	"context"
	"errors"
	"strings"
	"time"

	"palsrelay/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBridge uses NATS core subjects. The client reconnects forever and
// re-establishes subscriptions by itself; the reconnect buffer is disabled
// so publishes made while disconnected fail instead of being replayed.
type NATSBridge struct {
	nc  *nats.Conn
	log *zap.Logger
}

var _ Bridge = (*NATSBridge)(nil)

func NewNATSBridge(cfg NATSConfig, log *zap.Logger) (*NATSBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	log = log.Named("nats-bridge")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.ReconnectBufSize(-1),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBridge{nc: nc, log: log}, nil
}

// subject maps a topic such as user:42 (or the pattern user:*) onto the
// NATS subject namespace.
func subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (b *NATSBridge) Publish(_ context.Context, topic string, env models.Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject(topic), data)
}

func (b *NATSBridge) Subscribe(ctx context.Context, pattern string) (<-chan models.Envelope, error) {
	msgs := make(chan *nats.Msg, 1024)
	sub, err := b.nc.ChanSubscribe(subject(pattern), msgs)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Envelope)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				env, err := Decode(m.Data)
				if err != nil {
					b.log.Warn("dropping undecodable envelope", zap.String("subject", m.Subject), zap.Error(err))
					continue
				}
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

func (b *NATSBridge) Close() error {
	return b.nc.Drain()
}
