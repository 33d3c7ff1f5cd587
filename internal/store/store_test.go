package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	Value int
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	require.NoError(t, s.Put(ctx, "a", item{ID: "a", Value: 1}))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, item{ID: "a", Value: 1}, got)

	require.NoError(t, s.Put(ctx, "a", item{ID: "a", Value: 2}))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Value)
	assert.Equal(t, 1, s.Len())
}

func TestStoreGetMissing(t *testing.T) {
	_, err := New[item]().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEmptyKey(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	assert.ErrorIs(t, s.Put(ctx, "", item{}), ErrEmptyKey)
	_, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, s.Delete(ctx, ""), ErrEmptyKey)
}

func TestStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New[item]()
	assert.ErrorIs(t, s.Put(ctx, "a", item{}), context.Canceled)
	assert.Equal(t, 0, s.Len())
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	require.NoError(t, s.Put(ctx, "a", item{ID: "a"}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListIsSortedSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	for _, key := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, key, item{ID: key}))
	}

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "c", records[2].ID)

	require.NoError(t, s.Put(ctx, "d", item{ID: "d"}))
	assert.Len(t, records, 3)
}

func TestStorePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	stored, err := s.PutIfAbsent(ctx, "a", item{ID: "a", Value: 1})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.PutIfAbsent(ctx, "a", item{ID: "a", Value: 2})
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

func TestStorePutIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New[item]()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			stored, err := s.PutIfAbsent(ctx, "same", item{ID: "same", Value: n})
			assert.NoError(t, err)
			if stored {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := New[item]()
	require.NoError(t, s.Put(ctx, "a", item{ID: "a", Value: 1}))

	updated, err := s.Update(ctx, "a", func(it item) (item, error) {
		it.Value += 10
		return it, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 11, updated.Value)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "a", func(it item) (item, error) {
		it.Value = -1
		return it, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 11, got.Value)

	_, err = s.Update(ctx, "missing", func(it item) (item, error) { return it, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := New[item]()
	require.NoError(t, s.Put(ctx, "counter", item{ID: "counter"}))

	const goroutines, increments = 20, 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				_, err := s.Update(ctx, "counter", func(it item) (item, error) {
					it.Value++
					return it, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, goroutines*increments, got.Value)
}

// TestStoreLinearizableProperties checks that concurrent writers never lose
// updates and readers never observe a record that was not written.
func TestStoreLinearizableProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(2468)
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent puts on distinct keys are all visible", prop.ForAll(
		func(writers, perWriter int) bool {
			ctx := context.Background()
			s := New[item]()

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						key := fmt.Sprintf("%d-%d", w, i)
						_ = s.Put(ctx, key, item{ID: key, Value: i})
					}
				}(w)
			}
			wg.Wait()

			records, err := s.List(ctx)
			return err == nil && len(records) == writers*perWriter
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 30),
	))

	properties.Property("same-key writes leave one of the written records", prop.ForAll(
		func(writers int) bool {
			ctx := context.Background()
			s := New[item]()

			var wg sync.WaitGroup
			torn := make(chan struct{}, writers*10)
			for w := 0; w < writers; w++ {
				wg.Add(2)
				go func(w int) {
					defer wg.Done()
					_ = s.Put(ctx, "k", item{ID: fmt.Sprintf("w%d", w), Value: w})
				}(w)
				go func() {
					defer wg.Done()
					got, err := s.Get(ctx, "k")
					if err == nil && got.ID != fmt.Sprintf("w%d", got.Value) {
						torn <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(torn)

			if len(torn) > 0 {
				return false
			}
			got, err := s.Get(ctx, "k")
			return err == nil && got.Value >= 0 && got.Value < writers &&
				got.ID == fmt.Sprintf("w%d", got.Value)
		},
		gen.IntRange(1, 20),
	))

	properties.Property("put then delete leaves nothing behind", prop.ForAll(
		func(keys []string) bool {
			ctx := context.Background()
			s := New[item]()

			var wg sync.WaitGroup
			for _, key := range keys {
				if key == "" {
					continue
				}
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					_ = s.Put(ctx, key, item{ID: key})
					_ = s.Delete(ctx, key)
				}(key)
			}
			wg.Wait()
			return s.Len() == 0
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
