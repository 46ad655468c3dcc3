// Package directory implements the routing table mapping key
// ranges to shard identifiers. The table is the single source
// of truth for range ownership: its entries are pairwise
// disjoint and jointly cover the whole key space at all times,
// including while a split is being published.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dunlinkv/dunlin/storage/keys"
	"github.com/dunlinkv/dunlin/storage/kv"
)

var (
	// ErrNoRoute indicates that no entry covers the key. It
	// can only happen on an empty or corrupted table.
	ErrNoRoute = errors.New("no range covers the key")
	// ErrNoSuchRange indicates that ApplySplit named a range
	// that is not present verbatim in the table
	ErrNoSuchRange = errors.New("range is not in the directory")
	// ErrNotEmpty indicates a bootstrap attempt on a
	// directory that already has entries
	ErrNotEmpty = errors.New("directory is not empty")
)

var bucketName = []byte("directory")

// Entry assigns one key range to one shard
type Entry struct {
	Range   keys.Range
	ShardID string
}

// Directory is the routing table. Route reads an immutable
// snapshot published through an atomic value, so lookups are
// lock-free and never observe a torn update; ApplySplit
// replaces the snapshot wholesale under a short critical
// section.
type Directory struct {
	mu       sync.Mutex
	snapshot atomic.Value
	store    kv.Store
	logger   *zap.Logger
}

// New opens the directory, loading any persisted entries
func New(store kv.Store, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.L()
	}

	directory := &Directory{
		store:  store,
		logger: logger.With(zap.String("component", "directory")),
	}

	entries, err := directory.load()

	if err != nil {
		return nil, err
	}

	directory.snapshot.Store(entries)

	return directory, nil
}

// Entries returns a copy of the current routing table in
// ascending range order
func (directory *Directory) Entries() []Entry {
	snapshot := directory.snapshot.Load().([]Entry)

	entries := make([]Entry, len(snapshot))
	copy(entries, snapshot)

	return entries
}

// Route resolves the shard owning the range that contains key.
// It is safe to call concurrently with ApplySplit; a route
// computed just before a split may name the former owner, which
// rejects the key with an out-of-range error so the caller can
// route again.
func (directory *Directory) Route(key keys.Key) (string, error) {
	snapshot := directory.snapshot.Load().([]Entry)

	if len(snapshot) == 0 {
		return "", ErrNoRoute
	}

	// first entry whose lower bound is beyond the key; the
	// owner, if any, is the entry just before it
	i := sort.Search(len(snapshot), func(i int) bool {
		min := snapshot[i].Range.Min

		return min != nil && keys.Compare(min, key) > 0
	})

	if i == 0 {
		return "", ErrNoRoute
	}

	entry := snapshot[i-1]

	if !entry.Range.Contains(key) {
		return "", ErrNoRoute
	}

	return entry.ShardID, nil
}

// Bootstrap installs the initial routing table. It fails with
// ErrNotEmpty if the directory already has entries.
func (directory *Directory) Bootstrap(entries []Entry) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	if len(directory.snapshot.Load().([]Entry)) != 0 {
		return ErrNotEmpty
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	sort.Slice(sorted, func(i, j int) bool {
		return keys.CompareMin(sorted[i].Range, sorted[j].Range) < 0
	})

	if err := CheckPartition(sorted); err != nil {
		return err
	}

	if err := directory.persist(sorted); err != nil {
		return err
	}

	directory.snapshot.Store(sorted)

	return nil
}

// ApplySplit replaces the entry for oldRange with two adjacent
// entries: [lo, boundary) keeps its current shard and
// [boundary, hi) is assigned to newShardID. The replacement is
// atomic from the point of view of Route: readers see either
// the old table or the new one, never anything in between.
func (directory *Directory) ApplySplit(oldRange keys.Range, boundary keys.Key, newShardID string) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	snapshot := directory.snapshot.Load().([]Entry)

	index := -1

	for i, entry := range snapshot {
		if entry.Range.Equal(oldRange) {
			index = i

			break
		}
	}

	if index < 0 {
		return ErrNoSuchRange
	}

	left, right, err := oldRange.Split(boundary)

	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(snapshot)+1)
	entries = append(entries, snapshot[:index]...)
	entries = append(entries, Entry{Range: left, ShardID: snapshot[index].ShardID})
	entries = append(entries, Entry{Range: right, ShardID: newShardID})
	entries = append(entries, snapshot[index+1:]...)

	if err := directory.persist(entries); err != nil {
		return err
	}

	directory.snapshot.Store(entries)

	directory.logger.Info("applied split",
		zap.Stringer("range", oldRange),
		zap.String("boundary", boundary.String()),
		zap.String("new_shard", newShardID),
		zap.Int("entries", len(entries)))

	return nil
}

// CheckPartition verifies that entries, in ascending range
// order, are pairwise disjoint and jointly cover the entire key
// space. It is used by diagnostics and tests; the directory
// maintains the property by construction.
func CheckPartition(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("table is empty")
	}

	if entries[0].Range.Min != nil {
		return fmt.Errorf("first range %s does not start at the beginning of the key space", entries[0].Range)
	}

	if entries[len(entries)-1].Range.Max != nil {
		return fmt.Errorf("last range %s does not reach the end of the key space", entries[len(entries)-1].Range)
	}

	for i := 1; i < len(entries); i++ {
		prev := entries[i-1].Range
		next := entries[i].Range

		if prev.Max == nil || next.Min == nil || !keys.Equal(prev.Max, next.Min) {
			return fmt.Errorf("ranges %s and %s are not adjacent", prev, next)
		}
	}

	return nil
}

func (directory *Directory) load() ([]Entry, error) {
	transaction, err := directory.store.Begin(false)

	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	defer transaction.Rollback()

	entries := []Entry{}

	bucket := transaction.Bucket(bucketName)

	if bucket == nil {
		return entries, nil
	}

	err = bucket.ForEach(func(id []byte, data []byte) error {
		rng, err := decodeRange(data)

		if err != nil {
			return fmt.Errorf("could not decode range for shard %s: %s", id, err.Error())
		}

		entries = append(entries, Entry{Range: rng, ShardID: string(id)})

		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return keys.CompareMin(entries[i].Range, entries[j].Range) < 0
	})

	return entries, nil
}

func (directory *Directory) persist(entries []Entry) error {
	transaction, err := directory.store.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	defer transaction.Rollback()

	bucket, err := transaction.CreateBucketIfNotExists(bucketName)

	if err != nil {
		return fmt.Errorf("could not create directory bucket: %s", err.Error())
	}

	for _, entry := range entries {
		if err := bucket.Put([]byte(entry.ShardID), encodeRange(entry.Range)); err != nil {
			return fmt.Errorf("could not persist entry for shard %s: %s", entry.ShardID, err.Error())
		}
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("could not commit directory update: %s", err.Error())
	}

	return nil
}
