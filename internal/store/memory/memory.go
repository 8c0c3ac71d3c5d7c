// Package memory is a process-local Store for demos and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/orderflow/internal/store"
)

// Store keeps records in a map guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	records map[string]store.Record
	now     func() time.Time
	failErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]store.Record), now: time.Now}
}

func (s *Store) Persist(ctx context.Context, r store.Record) (store.Record, store.Result, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, 0, store.Fail("persist", err)
	}
	r, err := store.Prepare(r, s.now())
	if err != nil {
		return store.Record{}, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return store.Record{}, 0, store.Fail("persist", s.failErr)
	}
	if existing, ok := s.records[r.Key()]; ok {
		return existing, store.AlreadyApplied, nil
	}
	s.records[r.Key()] = r
	return r, store.Applied, nil
}

func (s *Store) Get(ctx context.Context, stage, orderID string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[store.Record{Stage: stage, OrderID: orderID}.Key()]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

// Count returns the number of records written for stage.
func (s *Store) Count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

// FailWith makes every following Persist fail with err. A nil err restores
// normal operation.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) Close() error {
	return nil
}
