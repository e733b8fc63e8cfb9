package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type MemoryStoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// CleanupInterval is how often ended windows are evicted. Defaults to 5 minutes.
	CleanupInterval time.Duration
}

func (cfg *MemoryStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return nil
}

type memoryEntry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool
}

// MemoryStore is an in-process Store. It bounds traffic per instance only.
type MemoryStore struct {
	log   *slog.Logger
	cfg   MemoryStoreConfig
	mu    sync.RWMutex
	items map[string]*memoryEntry
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates the store and starts its eviction loop. Close stops it.
func NewMemoryStore(cfg MemoryStoreConfig) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &MemoryStore{
		log:   cfg.Logger,
		cfg:   cfg,
		items: make(map[string]*memoryEntry),
		stop:  make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		return e
	}
	e = &memoryEntry{}
	s.items[key] = e
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || s.cfg.Clock.Now().After(e.resetAt) {
		return Entry{}, false, nil
	}
	return Entry{Count: e.count, ResetAt: e.resetAt}, true, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, limit int, window time.Duration) (Entry, bool, error) {
	for {
		e := s.entry(key)
		e.mu.Lock()
		if e.evicted {
			// Lost a race with cleanup; the key now maps to a fresh entry.
			e.mu.Unlock()
			continue
		}

		now := s.cfg.Clock.Now()
		if e.resetAt.IsZero() || now.After(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(window)
		}
		admitted := e.count < limit
		if admitted {
			e.count++
		}
		out := Entry{Count: e.count, ResetAt: e.resetAt}
		e.mu.Unlock()
		return out, admitted, nil
	}
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
	}
	return nil
}

// Len is the number of tracked identifiers, including ended windows not yet evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Evict removes entries whose window has ended and returns how many were removed.
func (s *MemoryStore) Evict() int {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.items {
		e.mu.Lock()
		if now.After(e.resetAt) {
			e.evicted = true
			delete(s.items, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) cleanupLoop() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			if n := s.Evict(); n > 0 {
				s.log.Debug("ratelimit: evicted ended windows", "count", n)
			}
		}
	}
}

// Close stops the eviction loop.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}
