package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dunlinkv/dunlin/directory"
	"github.com/dunlinkv/dunlin/storage/keys"
	"github.com/dunlinkv/dunlin/storage/kv/bbolt"
	"github.com/dunlinkv/dunlin/storage/kv/memory"
	"github.com/dunlinkv/dunlin/store"
	"github.com/dunlinkv/dunlin/utils/uuid"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func newStore(t *testing.T, threshold int) *store.Store {
	s, err := store.New(store.Config{
		KV:                memory.New(),
		CapacityThreshold: threshold,
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// waitFor polls until cond returns true or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestPutGet(t *testing.T) {
	ctx := testContext(t)
	s := newStore(t, 128)

	key := keys.ForName("alpha")

	prev, err := s.Put(ctx, key, []byte("v1"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if prev != nil {
		t.Fatalf("expected no previous value, got %q", prev)
	}

	value, err := s.Get(ctx, key)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if diff := cmp.Diff([]byte("v1"), value); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Get(ctx, keys.ForName("missing")); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Filling one shard to its threshold must trigger a split that
// leaves both resulting shards below the threshold with every
// record still readable.
func TestSplitOnThreshold(t *testing.T) {
	ctx := testContext(t)

	threshold := 8
	s := newStore(t, threshold)

	values := map[string][]byte{}

	for i := 0; i < threshold; i++ {
		name := fmt.Sprintf("name-%d", i)
		values[name] = []byte(fmt.Sprintf("value-%d", i))

		if _, err := s.Put(ctx, keys.ForName(name), values[name]); err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}
	}

	waitFor(t, 10*time.Second, "the split to publish", func() bool {
		return len(s.Directory().Entries()) == 2
	})

	if err := directory.CheckPartition(s.Directory().Entries()); err != nil {
		t.Fatalf("partition invariant broken: %s", err)
	}

	occupancies, err := s.Occupancies(ctx)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	total := 0

	for id, occupancy := range occupancies {
		total += occupancy

		if occupancy >= threshold {
			t.Fatalf("shard %s is still at %d, threshold %d", id, occupancy, threshold)
		}
	}

	if total != threshold {
		t.Fatalf("split lost records: %d != %d", total, threshold)
	}

	for name, expected := range values {
		value, err := s.Get(ctx, keys.ForName(name))

		if err != nil {
			t.Fatalf("expected %s to resolve, got %s", name, err)
		}

		if diff := cmp.Diff(expected, value); diff != "" {
			t.Fatalf("value mismatch for %s (-want +got):\n%s", name, diff)
		}
	}
}

// A long insert run drives repeated splits. Overwrites count as
// traffic, so re-putting the data set nudges any shard that
// crossed the threshold between reports until the whole store
// settles below it.
func TestSplitCascade(t *testing.T) {
	ctx := testContext(t)

	threshold := 8
	count := 200
	s := newStore(t, threshold)

	values := map[string][]byte{}

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("name-%d", i)
		values[name] = []byte(fmt.Sprintf("value-%d", i))

		if _, err := s.Put(ctx, keys.ForName(name), values[name]); err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}
	}

	waitFor(t, 20*time.Second, "the store to settle below threshold", func() bool {
		for name := range values {
			s.Put(ctx, keys.ForName(name), values[name])
		}

		occupancies, err := s.Occupancies(ctx)

		if err != nil {
			return false
		}

		for _, occupancy := range occupancies {
			if occupancy >= threshold {
				return false
			}
		}

		return true
	})

	entries := s.Directory().Entries()

	if len(entries) < count/threshold {
		t.Fatalf("expected at least %d shards, got %d", count/threshold, len(entries))
	}

	if err := directory.CheckPartition(entries); err != nil {
		t.Fatalf("partition invariant broken: %s", err)
	}

	occupancies, err := s.Occupancies(ctx)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	total := 0

	for _, occupancy := range occupancies {
		total += occupancy
	}

	if total != count {
		t.Fatalf("records lost or duplicated across splits: %d != %d", total, count)
	}

	for name, expected := range values {
		value, err := s.Get(ctx, keys.ForName(name))

		if err != nil {
			t.Fatalf("expected %s to resolve, got %s", name, err)
		}

		if diff := cmp.Diff(expected, value); diff != "" {
			t.Fatalf("value mismatch for %s (-want +got):\n%s", name, diff)
		}
	}
}

// Writes racing an in-progress split must not be lost. A writer
// that exhausts the store's local retries gets ErrUnavailable
// and retries at its own discretion, mirroring an external
// caller.
func TestConcurrentWritesDuringSplit(t *testing.T) {
	ctx := testContext(t)

	threshold := 16
	writers := 4
	perWriter := 50
	s := newStore(t, threshold)

	var wg sync.WaitGroup

	errs := make(chan error, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("writer-%d-name-%d", w, i)
				value := []byte(fmt.Sprintf("writer-%d-value-%d", w, i))

				for {
					_, err := s.Put(ctx, keys.ForName(name), value)

					if err == nil {
						break
					}

					if err != store.ErrUnavailable {
						errs <- fmt.Errorf("put %s: %s", name, err)

						return
					}
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}

	if err := directory.CheckPartition(s.Directory().Entries()); err != nil {
		t.Fatalf("partition invariant broken: %s", err)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			name := fmt.Sprintf("writer-%d-name-%d", w, i)
			expected := []byte(fmt.Sprintf("writer-%d-value-%d", w, i))

			value, err := s.Get(ctx, keys.ForName(name))

			if err != nil {
				t.Fatalf("lost write for %s: %s", name, err)
			}

			if diff := cmp.Diff(expected, value); diff != "" {
				t.Fatalf("value mismatch for %s (-want +got):\n%s", name, diff)
			}
		}
	}
}

// The directory and every shard's record set survive a restart
// against the same storage file.
func TestRestart(t *testing.T) {
	ctx := testContext(t)

	path := filepath.Join(os.TempDir(), fmt.Sprintf("dunlin-restart-%s", uuid.MustUUID()))

	t.Cleanup(func() {
		os.RemoveAll(path)
	})

	open := func() *store.Store {
		kvStore, err := bbolt.New(bbolt.StoreConfig{Path: path})

		if err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}

		s, err := store.New(store.Config{
			KV:                kvStore,
			CapacityThreshold: 8,
		})

		if err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}

		return s
	}

	s := open()

	values := map[string][]byte{}

	for i := 0; i < 16; i++ {
		name := fmt.Sprintf("name-%d", i)
		values[name] = []byte(fmt.Sprintf("value-%d", i))

		if _, err := s.Put(ctx, keys.ForName(name), values[name]); err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}
	}

	waitFor(t, 10*time.Second, "a split to publish", func() bool {
		return len(s.Directory().Entries()) >= 2
	})

	entriesBefore := s.Directory().Entries()

	if err := s.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	s = open()

	t.Cleanup(func() {
		s.Close()
	})

	if diff := cmp.Diff(entriesBefore, s.Directory().Entries()); diff != "" {
		t.Fatalf("directory mismatch after restart (-want +got):\n%s", diff)
	}

	for name, expected := range values {
		value, err := s.Get(ctx, keys.ForName(name))

		if err != nil {
			t.Fatalf("expected %s to survive the restart, got %s", name, err)
		}

		if diff := cmp.Diff(expected, value); diff != "" {
			t.Fatalf("value mismatch for %s (-want +got):\n%s", name, diff)
		}
	}
}
