package presence

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/c-pro/geche"
)

type item struct {
	value    string
	expireAt time.Time
}

// MemoryBackend holds presence state in process memory. Several
// MemoryStores (one per simulated gateway instance) may share a backend.
type MemoryBackend struct {
	values geche.Geche[string, item]
	// user key -> instance id -> expiry
	online *geche.Locker[string, map[string]time.Time]
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: geche.NewMapCache[string, item](),
		online: geche.NewLocker[string, map[string]time.Time](geche.NewMapCache[string, map[string]time.Time]()),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.now = now
}

// Store returns a Store bound to the given gateway instance.
func (b *MemoryBackend) Store(instanceID string) *MemoryStore {
	return &MemoryStore{backend: b, instanceID: instanceID}
}

// Sweep drops expired entries. Reads already ignore them; sweeping only
// bounds memory.
func (b *MemoryBackend) Sweep() {
	now := b.now()
	for k, v := range b.values.Snapshot() {
		if !now.Before(v.expireAt) {
			_ = b.values.Del(k)
		}
	}

	tx := b.online.Lock()
	defer tx.Unlock()
	for k, holders := range tx.Snapshot() {
		live := prune(holders, now)
		if len(live) == 0 {
			_ = tx.Del(k)
			continue
		}
		if len(live) != len(holders) {
			tx.Set(k, live)
		}
	}
}

// Run sweeps periodically until ctx is done.
func (b *MemoryBackend) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Sweep()
		}
	}
}

func prune(holders map[string]time.Time, now time.Time) map[string]time.Time {
	live := make(map[string]time.Time, len(holders))
	for id, exp := range holders {
		if now.Before(exp) {
			live[id] = exp
		}
	}
	return live
}

type MemoryStore struct {
	backend    *MemoryBackend
	instanceID string
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) MarkOnline(_ context.Context, userID int64, ttl time.Duration) error {
	b := s.backend
	key := onlineKey(userID)

	tx := b.online.Lock()
	defer tx.Unlock()
	holders, err := tx.Get(key)
	if err != nil && !errors.Is(err, geche.ErrNotFound) {
		return err
	}
	// Copy on write: snapshots handed out earlier must not change.
	next := maps.Clone(holders)
	if next == nil {
		next = make(map[string]time.Time, 1)
	}
	next[s.instanceID] = b.now().Add(ttl)
	tx.Set(key, next)
	return nil
}

func (s *MemoryStore) ClearOnline(_ context.Context, userID int64) error {
	key := onlineKey(userID)

	tx := s.backend.online.Lock()
	defer tx.Unlock()
	holders, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, geche.ErrNotFound) {
			return nil
		}
		return err
	}
	next := maps.Clone(holders)
	delete(next, s.instanceID)
	if len(next) == 0 {
		return tx.Del(key)
	}
	tx.Set(key, next)
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID int64) (bool, error) {
	b := s.backend

	tx := b.online.RLock()
	defer tx.Unlock()
	holders, err := tx.Get(onlineKey(userID))
	if err != nil {
		if errors.Is(err, geche.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := b.now()
	for _, exp := range holders {
		if now.Before(exp) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.backend.values.Set(key, item{value: value, expireAt: s.backend.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	err := s.backend.values.Del(key)
	if errors.Is(err, geche.ErrNotFound) {
		return nil
	}
	return err
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, err := s.backend.values.Get(key)
	if err != nil {
		if errors.Is(err, geche.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !s.backend.now().Before(v.expireAt) {
		return "", ErrNotFound
	}
	return v.value, nil
}
