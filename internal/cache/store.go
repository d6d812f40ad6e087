package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// Store mirrors published snapshots outside the process so a restart can
// serve the last known data before its first refresh completes.
// Get returns false, nil on a miss.
type Store interface {
	Get(ctx context.Context, key string) (models.Snapshot, bool, error)
	Set(ctx context.Context, key string, value models.Snapshot, ttl time.Duration) error
	Close() error
}

const keyPrefix = "snapshot:"

// StoreKey returns the store key for a location. Whitespace is replaced so
// the key is valid for memcached.
func StoreKey(loc models.Location) string {
	return keyPrefix + strings.Join(strings.Fields(loc.Name), "_")
}

// InMemoryStore implements Store with a mutex-guarded map and TTL expiry.
// Expired entries are removed on access.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string]storeEntry
	now  func() time.Time
}

type storeEntry struct {
	value     models.Snapshot
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]storeEntry),
		now:  time.Now,
	}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (models.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		return models.Snapshot{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.data, key)
		return models.Snapshot{}, false, nil
	}
	return entry.value, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, value models.Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = storeEntry{
		value:     value,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
