package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const stateSweepInterval = 5 * time.Minute

// StateStore keeps single-use OAuth state values between the authorize
// redirect and the callback.
type StateStore interface {
	Save(ctx context.Context, state string, ttl time.Duration) error
	// Consume reports whether state was issued and still live, and removes it.
	Consume(ctx context.Context, state string) (bool, error)
	Close() error
}

// NewState returns a random URL-safe state value.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type memoryStateStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStateStore returns a process-local StateStore. Expired entries are
// swept in the background until Close.
func NewMemoryStateStore() StateStore {
	return newMemoryStateStore(time.Now)
}

func newMemoryStateStore(now func() time.Time) *memoryStateStore {
	s := &memoryStateStore{
		entries: make(map[string]time.Time),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *memoryStateStore) Save(_ context.Context, state string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = s.now().Add(ttl)
	return nil
}

func (s *memoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[state]
	if !ok {
		return false, nil
	}
	delete(s.entries, state)
	return s.now().Before(expiresAt), nil
}

func (s *memoryStateStore) sweepLoop() {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup(s.now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *memoryStateStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, state)
		}
	}
}

func (s *memoryStateStore) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
	})
	return nil
}
