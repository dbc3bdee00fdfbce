package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"palsrelay/internal/models"

	"go.uber.org/zap"
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrQueueFull  = errors.New("outbound queue full")
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

type frameHandler interface {
	HandleFrame(ctx context.Context, c *Connection, frame models.ClientFrame)
	RejectFrame(c *Connection, err error)
}

// Connection is one authenticated client session. The reader pump decodes
// and dispatches inbound frames in arrival order; mainLoop is the only
// writer on the socket.
type Connection struct {
	id       string
	userID   int64
	ws       wsConnection
	handler  frameHandler
	log      *zap.Logger
	now      func() time.Time
	outbound chan models.ServerFrame

	state     atomic.Int32
	lastSeen  atomic.Int64 // unix nanoseconds
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(
	id string,
	userID int64,
	ws wsConnection,
	handler frameHandler,
	queueSize int,
	now func() time.Time,
	log *zap.Logger,
) *Connection {
	c := &Connection{
		id:       id,
		userID:   userID,
		ws:       ws,
		handler:  handler,
		log:      log.With(zap.String("conn_id", id), zap.Int64("user_id", userID)),
		now:      now,
		outbound: make(chan models.ServerFrame, queueSize),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateAuthenticated))
	c.Touch()
	return c
}

func (c *Connection) ID() string    { return c.id }
func (c *Connection) UserID() int64 { return c.userID }

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Touch records client activity for the heartbeat reaper.
func (c *Connection) Touch() {
	c.lastSeen.Store(c.now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send queues a frame without blocking. A full queue is reported as an
// error so the caller can drop the connection.
func (c *Connection) Send(frame models.ServerFrame) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close moves the connection to StateClosed and closes the socket. It is
// safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Handle runs the connection until the client goes away, ctx is cancelled
// or Close is called.
func (c *Connection) Handle(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive)) {
		return ErrConnClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errorCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.pumpFrames(ctx)
		cancel()
	})
	wg.Go(func() {
		errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	case <-c.done:
	}
	closedByUs := c.State() == StateClosed
	_ = c.Close()
	wg.Wait()

	if closedByUs || err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Touch()

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.handler.RejectFrame(c, err)
			continue
		}
		c.handler.HandleFrame(ctx, c, frame)
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
