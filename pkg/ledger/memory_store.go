package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in memory. Intended for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	failErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes every later Append return err.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, from uint64) Seq {
	return func(yield func(Entry, error) bool) {
		s.mu.RLock()
		snapshot := s.entries
		s.mu.RUnlock()
		for i := from; i < uint64(len(snapshot)); i++ {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(snapshot[i], nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Close() error { return nil }
