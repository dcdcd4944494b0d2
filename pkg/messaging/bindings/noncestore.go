// Package bindings provides the expiration and replay-protection binding
// elements and the nonce ledger behind them.
package bindings

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// NonceStore records nonces so each can be consumed once.
//
// IsNonceValid reports true and records the nonce when timestamp is within the
// store's maximum message age and the (endpoint, timestamp, nonce) tuple has
// not been seen before. Check and record must be atomic.
type NonceStore interface {
	IsNonceValid(ctx context.Context, endpoint string, timestamp time.Time, nonce string) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore. Entries are grouped by the
// second of their timestamp and dropped once that second leaves the window.
type MemoryNonceStore struct {
	mu        sync.Mutex
	maxAge    time.Duration
	now       func() time.Time
	buckets   map[int64]map[string]struct{}
	lastPurge int64
}

// NewMemoryNonceStore creates a store accepting timestamps within maxAge of now.
func NewMemoryNonceStore(maxAge time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		maxAge:  maxAge,
		now:     time.Now,
		buckets: make(map[int64]map[string]struct{}),
	}
}

// MaxAge is the width of the acceptance window.
func (s *MemoryNonceStore) MaxAge() time.Duration {
	return s.maxAge
}

func (s *MemoryNonceStore) IsNonceValid(_ context.Context, endpoint string, timestamp time.Time, nonce string) (bool, error) {
	now := s.now()
	if !WithinWindow(now, timestamp, s.maxAge) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(now)
	sec := timestamp.Unix()
	bucket, ok := s.buckets[sec]
	if !ok {
		bucket = make(map[string]struct{})
		s.buckets[sec] = bucket
	}
	key := nonceKey(endpoint, timestamp, nonce)
	if _, seen := bucket[key]; seen {
		return false, nil
	}
	bucket[key] = struct{}{}
	return true, nil
}

// Len is the number of nonces currently retained.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}

func (s *MemoryNonceStore) purge(now time.Time) {
	if now.Unix() == s.lastPurge {
		return
	}
	s.lastPurge = now.Unix()
	cutoff := now.Add(-s.maxAge).Unix()
	for sec := range s.buckets {
		if sec < cutoff {
			delete(s.buckets, sec)
		}
	}
}

func nonceKey(endpoint string, timestamp time.Time, nonce string) string {
	return endpoint + "\x00" + strconv.FormatInt(timestamp.UnixNano(), 10) + "\x00" + nonce
}

// WithinWindow reports whether timestamp lies within maxAge of now, in either direction.
func WithinWindow(now, timestamp time.Time, maxAge time.Duration) bool {
	d := now.Sub(timestamp)
	if d < 0 {
		d = -d
	}
	return d <= maxAge
}
