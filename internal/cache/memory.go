package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMemorySize = 4096
	defaultMemoryTTL  = 30 * time.Second
)

// MemoryStore is an in-process Store for single-node deployments.
// Values share one TTL fixed at construction; Set's ttl is capped by it.
// Counters are never evicted and live as long as the process, so a counter
// never returns to a value it has already handed out.
type MemoryStore struct {
	entries *expirable.LRU[string, memoryEntry]

	countersMu sync.Mutex
	counters   map[string]int64
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	return &MemoryStore{
		entries:  expirable.NewLRU[string, memoryEntry](size, nil, ttl),
		counters: make(map[string]int64),
	}
}

// Get reads a value, or the decimal form of a counter created by Incr.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.countersMu.Lock()
	counter, counted := s.counters[key]
	s.countersMu.Unlock()
	if counted {
		return []byte(strconv.FormatInt(counter, 10)), nil
	}
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, ErrMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries.Add(key, entry)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}
