package openid

import (
	"context"
	"sync"
	"time"
)

// Distinguishing keys under which a provider files its own associations.
const (
	// SharedAssociations holds associations negotiated with relying parties.
	SharedAssociations = "urn:openauth:provider:shared"
	// PrivateAssociations holds associations only the provider knows.
	PrivateAssociations = "urn:openauth:provider:private"
)

// AssociationStore keeps associations keyed by remote endpoint and handle.
//
// GetAssociation never returns an association without the store's minimum
// useful life remaining. GetAssociationByHandle returns any association not
// yet past its hard expiry, so signatures made near the end of an
// association's life still verify. Both return nil, nil when absent.
type AssociationStore interface {
	StoreAssociation(ctx context.Context, endpoint string, assoc *Association) error
	GetAssociation(ctx context.Context, endpoint string) (*Association, error)
	GetAssociationByHandle(ctx context.Context, endpoint, handle string) (*Association, error)
	RemoveAssociation(ctx context.Context, endpoint, handle string) (bool, error)
}

// MemoryAssociationStore is a process-local AssociationStore.
type MemoryAssociationStore struct {
	mu         sync.RWMutex
	byEndpoint map[string]map[string]*Association
	minLife    time.Duration
	now        func() time.Time
}

// NewMemoryAssociationStore returns a store that hands out associations with
// at least minUsefulLife remaining.
func NewMemoryAssociationStore(minUsefulLife time.Duration) *MemoryAssociationStore {
	return &MemoryAssociationStore{
		byEndpoint: make(map[string]map[string]*Association),
		minLife:    minUsefulLife,
		now:        time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *MemoryAssociationStore) WithClock(now func() time.Time) *MemoryAssociationStore {
	s.now = now
	return s
}

func (s *MemoryAssociationStore) StoreAssociation(_ context.Context, endpoint string, assoc *Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles, ok := s.byEndpoint[endpoint]
	if !ok {
		handles = make(map[string]*Association)
		s.byEndpoint[endpoint] = handles
	}
	copied := *assoc
	handles[assoc.Handle] = &copied
	return nil
}

func (s *MemoryAssociationStore) GetAssociation(_ context.Context, endpoint string) (*Association, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(endpoint, now)
	var best *Association
	for _, a := range s.byEndpoint[endpoint] {
		if !a.HasUsefulLife(now, s.minLife) {
			continue
		}
		if best == nil || a.Expires().After(best.Expires()) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (s *MemoryAssociationStore) GetAssociationByHandle(_ context.Context, endpoint, handle string) (*Association, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byEndpoint[endpoint][handle]
	if !ok || a.IsExpired(now) {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryAssociationStore) RemoveAssociation(_ context.Context, endpoint, handle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles, ok := s.byEndpoint[endpoint]
	if !ok {
		return false, nil
	}
	if _, ok := handles[handle]; !ok {
		return false, nil
	}
	delete(handles, handle)
	if len(handles) == 0 {
		delete(s.byEndpoint, endpoint)
	}
	return true, nil
}

func (s *MemoryAssociationStore) purgeLocked(endpoint string, now time.Time) {
	handles := s.byEndpoint[endpoint]
	for h, a := range handles {
		if a.IsExpired(now) {
			delete(handles, h)
		}
	}
}
