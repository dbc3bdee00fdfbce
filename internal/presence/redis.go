package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in Redis so every gateway instance sees the
// same view. A user's presence is a sorted set of instance ids scored by
// their expiry (unix ms); the user is online while any score lies in the
// future.
type RedisStore struct {
	client     redis.UniversalClient
	instanceID string
	now        func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, instanceID string) *RedisStore {
	return &RedisStore{client: client, instanceID: instanceID, now: time.Now}
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID int64, ttl time.Duration) error {
	key := onlineKey(userID)
	expireAt := s.now().Add(ttl).UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(expireAt), Member: s.instanceID})
		p.PExpire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) ClearOnline(ctx context.Context, userID int64) error {
	return s.client.ZRem(ctx, onlineKey(userID), s.instanceID).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	key := onlineKey(userID)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", now)
		count = p.ZCount(ctx, key, "("+now, "+inf")
		return nil
	})
	if err != nil {
		return false, err
	}
	return count.Val() > 0, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}
