// Package store holds the shared-state backends: Redis nonce and association
// stores for OpenID, and a SQL token manager for the OAuth service provider.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/openauth/pkg/messaging/bindings"
	"github.com/providentiaww/openauth/pkg/openid"
)

const defaultPrefix = "openauth:"

// OpenRedis connects to redisURL and pings it.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisNonceStore records nonces with SET NX so that concurrent processes
// sharing one Redis accept each nonce once.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	maxAge time.Duration
	now    func() time.Time
}

func NewRedisNonceStore(client *redis.Client, maxAge time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: defaultPrefix + "nonce:", maxAge: maxAge, now: time.Now}
}

// WithClock replaces the store's time source.
func (s *RedisNonceStore) WithClock(now func() time.Time) *RedisNonceStore {
	s.now = now
	return s
}

func (s *RedisNonceStore) IsNonceValid(ctx context.Context, endpoint string, timestamp time.Time, nonce string) (bool, error) {
	now := s.now()
	if !bindings.WithinWindow(now, timestamp, s.maxAge) {
		return false, nil
	}
	// The entry must outlive the moment its timestamp leaves the window.
	ttl := timestamp.Add(s.maxAge).Sub(now) + time.Second
	key := s.prefix + digest(endpoint, strconv.FormatInt(timestamp.UnixNano(), 10), nonce)
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording nonce: %w", err)
	}
	return ok, nil
}

// RedisAssociationStore keeps each association as JSON under its own key
// with a TTL of its remaining life, indexed per endpoint by a sorted set
// scored by expiry.
type RedisAssociationStore struct {
	client  *redis.Client
	prefix  string
	minLife time.Duration
	now     func() time.Time
}

func NewRedisAssociationStore(client *redis.Client, minUsefulLife time.Duration) *RedisAssociationStore {
	return &RedisAssociationStore{client: client, prefix: defaultPrefix + "assoc:", minLife: minUsefulLife, now: time.Now}
}

// WithClock replaces the store's time source.
func (s *RedisAssociationStore) WithClock(now func() time.Time) *RedisAssociationStore {
	s.now = now
	return s
}

func (s *RedisAssociationStore) key(endpoint, handle string) string {
	return s.prefix + digest(endpoint) + ":" + handle
}

func (s *RedisAssociationStore) index(endpoint string) string {
	return s.prefix + "index:" + digest(endpoint)
}

func (s *RedisAssociationStore) StoreAssociation(ctx context.Context, endpoint string, assoc *openid.Association) error {
	now := s.now()
	ttl := assoc.Expires().Sub(now)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(assoc)
	if err != nil {
		return err
	}
	index := s.index(endpoint)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(endpoint, assoc.Handle), payload, ttl)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(assoc.Expires().UnixMilli()), Member: assoc.Handle})
		pipe.ZRemRangeByScore(ctx, index, "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing association: %w", err)
	}
	return nil
}

func (s *RedisAssociationStore) GetAssociation(ctx context.Context, endpoint string) (*openid.Association, error) {
	now := s.now()
	handles, err := s.client.ZRevRangeByScore(ctx, s.index(endpoint), &redis.ZRangeBy{
		Max: "+inf",
		Min: strconv.FormatInt(now.Add(s.minLife).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading association index: %w", err)
	}
	for _, handle := range handles {
		assoc, err := s.load(ctx, endpoint, handle)
		if err != nil {
			return nil, err
		}
		if assoc != nil && assoc.HasUsefulLife(now, s.minLife) {
			return assoc, nil
		}
		// The value expired ahead of its index entry.
		s.client.ZRem(ctx, s.index(endpoint), handle)
	}
	return nil, nil
}

func (s *RedisAssociationStore) GetAssociationByHandle(ctx context.Context, endpoint, handle string) (*openid.Association, error) {
	assoc, err := s.load(ctx, endpoint, handle)
	if err != nil || assoc == nil {
		return nil, err
	}
	if assoc.IsExpired(s.now()) {
		return nil, nil
	}
	return assoc, nil
}

func (s *RedisAssociationStore) RemoveAssociation(ctx context.Context, endpoint, handle string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(endpoint, handle))
		pipe.ZRem(ctx, s.index(endpoint), handle)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing association: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisAssociationStore) load(ctx context.Context, endpoint, handle string) (*openid.Association, error) {
	val, err := s.client.Get(ctx, s.key(endpoint, handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading association: %w", err)
	}
	var assoc openid.Association
	if err := json.Unmarshal(val, &assoc); err != nil {
		return nil, fmt.Errorf("decoding association %s: %w", handle, err)
	}
	return &assoc, nil
}

// digest keeps arbitrary endpoint URLs and nonces out of key names.
func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
