package store

import (
	"context"
	"sort"
	"sync"
)

// Repository is the keyed CRUD contract shared by every record kind.
type Repository[T any] interface {
	Put(ctx context.Context, key string, record T) error
	Get(ctx context.Context, key string) (T, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
	PutIfAbsent(ctx context.Context, key string, record T) (bool, error)
	Update(ctx context.Context, key string, fn func(T) (T, error)) (T, error)
}

// Store is an in-memory Repository guarded by a single RWMutex.
type Store[T any] struct {
	mu      sync.RWMutex
	records map[string]T
}

// New returns an empty Store.
func New[T any]() *Store[T] {
	return &Store[T]{records: make(map[string]T)}
}

// Put inserts or overwrites the record stored under key.
func (s *Store[T]) Put(ctx context.Context, key string, record T) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[key] = record
	s.mu.Unlock()
	return nil
}

// PutIfAbsent stores record only when key is unused. It reports whether the
// record was stored.
func (s *Store[T]) PutIfAbsent(ctx context.Context, key string, record T) (bool, error) {
	if err := checkKey(ctx, key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = record
	return true, nil
}

// Get returns the record stored under key or ErrNotFound.
func (s *Store[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if err := checkKey(ctx, key); err != nil {
		return zero, err
	}

	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()

	if !ok {
		return zero, ErrNotFound
	}
	return record, nil
}

// Update applies fn to the record under key while holding the write lock.
// fn must not block. If fn returns an error the stored record is unchanged.
func (s *Store[T]) Update(ctx context.Context, key string, fn func(T) (T, error)) (T, error) {
	var zero T
	if err := checkKey(ctx, key); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[key]
	if !ok {
		return zero, ErrNotFound
	}
	next, err := fn(current)
	if err != nil {
		return zero, err
	}
	s.records[key] = next
	return next, nil
}

// List returns a snapshot of every record ordered by key.
func (s *Store[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	records := make([]T, 0, len(keys))
	for _, key := range keys {
		records = append(records, s.records[key])
	}
	s.mu.RUnlock()

	return records, nil
}

// Delete removes the record under key. Deleting a missing key is a no-op.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func checkKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
