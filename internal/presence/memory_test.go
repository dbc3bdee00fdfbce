package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBackend() (*MemoryBackend, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewMemoryBackend()
	b.SetClock(clock.Now)
	return b, clock
}

func TestMemoryStore_OnlineExpires(t *testing.T) {
	ctx := context.Background()
	b, clock := newBackend()
	s := b.Store("gw-1")

	const heartbeat = 10 * time.Second
	ttl := 5 * heartbeat

	require.NoError(t, s.MarkOnline(ctx, 1, ttl))
	online, err := s.IsOnline(ctx, 1)
	require.NoError(t, err)
	require.True(t, online)

	// A refresh inside the window keeps the user online.
	clock.Advance(ttl - time.Second)
	require.NoError(t, s.MarkOnline(ctx, 1, ttl))
	clock.Advance(ttl - time.Second)
	online, _ = s.IsOnline(ctx, 1)
	require.True(t, online)

	// No refresh: the user is offline once TTL + heartbeat has passed since
	// the last mark, even though nobody cleared the marker.
	clock.Advance(heartbeat + time.Second)
	online, _ = s.IsOnline(ctx, 1)
	require.False(t, online)
}

func TestMemoryStore_ClearOnlyOwnInstance(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend()
	gw1 := b.Store("gw-1")
	gw2 := b.Store("gw-2")

	require.NoError(t, gw1.MarkOnline(ctx, 5, time.Minute))
	require.NoError(t, gw2.MarkOnline(ctx, 5, time.Minute))

	require.NoError(t, gw1.ClearOnline(ctx, 5))
	online, err := gw1.IsOnline(ctx, 5)
	require.NoError(t, err)
	require.True(t, online, "gw-2 still holds a connection")

	require.NoError(t, gw2.ClearOnline(ctx, 5))
	online, _ = gw1.IsOnline(ctx, 5)
	require.False(t, online)

	// Clearing an unknown user is not an error.
	require.NoError(t, gw1.ClearOnline(ctx, 99))
}

func TestMemoryStore_TypingMarker(t *testing.T) {
	ctx := context.Background()
	b, clock := newBackend()
	s := b.Store("gw-1")

	require.NoError(t, SetTyping(ctx, s, 10, 1, true, 3*time.Second))
	typing, err := IsTyping(ctx, s, 10, 1)
	require.NoError(t, err)
	require.True(t, typing)

	clock.Advance(4 * time.Second)
	typing, err = IsTyping(ctx, s, 10, 1)
	require.NoError(t, err)
	require.False(t, typing, "marker must expire after its TTL")

	require.NoError(t, SetTyping(ctx, s, 10, 1, true, 3*time.Second))
	require.NoError(t, SetTyping(ctx, s, 10, 1, false, 3*time.Second))
	typing, _ = IsTyping(ctx, s, 10, 1)
	require.False(t, typing, "explicit stop clears the marker")
}

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend()
	s := b.Store("gw-1")

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetWithTTL(ctx, "k", "v", time.Second))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_Sweep(t *testing.T) {
	ctx := context.Background()
	b, clock := newBackend()
	s := b.Store("gw-1")

	require.NoError(t, s.SetWithTTL(ctx, "short", "v", time.Second))
	require.NoError(t, s.SetWithTTL(ctx, "long", "v", time.Hour))
	require.NoError(t, s.MarkOnline(ctx, 1, time.Second))
	require.NoError(t, s.MarkOnline(ctx, 2, time.Hour))

	clock.Advance(2 * time.Second)
	b.Sweep()

	require.Equal(t, 1, b.values.Len())
	online, _ := s.IsOnline(ctx, 2)
	require.True(t, online)
	online, _ = s.IsOnline(ctx, 1)
	require.False(t, online)
}
