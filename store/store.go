// Package store implements the auto-scaling key-value store:
// a directory routing keys to range-owning shard actors, plus
// the scaling controller that splits shards as they fill up.
//
// Put and Get are the caller-side routing arm: they resolve the
// owning shard through the directory and heal the transient
// inconsistency window around a split by routing again and
// retrying exactly once when a shard rejects a key as out of
// range.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dunlinkv/dunlin/controller"
	"github.com/dunlinkv/dunlin/directory"
	"github.com/dunlinkv/dunlin/shard"
	"github.com/dunlinkv/dunlin/storage/keys"
	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/utils/uuid"
)

var (
	// ErrNotFound indicates a get for a key with no record
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable indicates that the store could not reach
	// a consistent owner for the key after exhausting its
	// local retries. Callers may retry at their own
	// discretion.
	ErrUnavailable = errors.New("store is unavailable")
)

const (
	defaultCapacityThreshold = 128
	reportBufferSize         = 1024
)

// Config contains configuration for a store
type Config struct {
	// KV is the persistence substrate shared by the shards
	// and the directory
	KV kv.Store
	// CapacityThreshold is the occupancy at which a shard
	// splits. Minimum 2.
	CapacityThreshold int
	// MailboxSize bounds each shard actor's request queue
	MailboxSize int
	// SplitTimeout bounds one run of the split protocol
	SplitTimeout time.Duration
	Logger       *zap.Logger
}

// Store is the auto-scaling store
type Store struct {
	kv         kv.Store
	directory  *directory.Directory
	controller *controller.Controller
	reports    chan shard.Report
	logger     *zap.Logger

	mu     sync.RWMutex
	shards map[string]*shard.Shard
}

// New opens a store. A fresh kv store is bootstrapped with a
// single shard owning the entire key space; otherwise the
// persisted directory and shard record sets are reloaded.
func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.CapacityThreshold == 0 {
		config.CapacityThreshold = defaultCapacityThreshold
	}

	if config.CapacityThreshold < 2 {
		return nil, fmt.Errorf("capacity threshold must be at least 2, got %d", config.CapacityThreshold)
	}

	dir, err := directory.New(config.KV, config.Logger)

	if err != nil {
		return nil, fmt.Errorf("could not open directory: %s", err.Error())
	}

	store := &Store{
		kv:        config.KV,
		directory: dir,
		reports:   make(chan shard.Report, reportBufferSize),
		logger:    config.Logger,
		shards:    map[string]*shard.Shard{},
	}

	entries := dir.Entries()

	if len(entries) == 0 {
		id := uuid.MustUUID()

		if err := dir.Bootstrap([]directory.Entry{{Range: keys.All(), ShardID: id}}); err != nil {
			return nil, fmt.Errorf("could not bootstrap directory: %s", err.Error())
		}

		entries = dir.Entries()

		store.logger.Info("bootstrapped empty store", zap.String("shard", id))
	}

	if err := store.pruneOrphanBuckets(entries); err != nil {
		return nil, fmt.Errorf("could not prune orphan shard buckets: %s", err.Error())
	}

	for _, entry := range entries {
		s, err := shard.New(shard.Config{
			ID:          entry.ShardID,
			Range:       entry.Range,
			Store:       config.KV,
			Reports:     store.reports,
			Logger:      config.Logger,
			MailboxSize: config.MailboxSize,
		})

		if err != nil {
			store.closeShards()

			return nil, fmt.Errorf("could not open shard %s: %s", entry.ShardID, err.Error())
		}

		store.shards[entry.ShardID] = s
	}

	store.controller = controller.New(controller.Config{
		Directory:         dir,
		Shards:            store,
		Reports:           store.reports,
		CapacityThreshold: config.CapacityThreshold,
		SplitTimeout:      config.SplitTimeout,
		Logger:            config.Logger,
	})

	store.controller.Start()

	return store, nil
}

// Directory returns the store's routing table
func (store *Store) Directory() *directory.Directory {
	return store.directory
}

// Shard implements controller.Shards
func (store *Store) Shard(id string) (*shard.Shard, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	s, ok := store.shards[id]

	return s, ok
}

// Add implements controller.Shards
func (store *Store) Add(s *shard.Shard) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.shards[s.ID()] = s
}

// Occupancies returns the occupancy of every live shard,
// keyed by shard id
func (store *Store) Occupancies(ctx context.Context) (map[string]int, error) {
	store.mu.RLock()
	shards := make([]*shard.Shard, 0, len(store.shards))

	for _, s := range store.shards {
		shards = append(shards, s)
	}
	store.mu.RUnlock()

	occupancies := make(map[string]int, len(shards))

	for _, s := range shards {
		occupancy, err := s.Occupancy(ctx)

		if err != nil {
			return nil, err
		}

		occupancies[s.ID()] = occupancy
	}

	return occupancies, nil
}

// Put inserts or overwrites the value for a key and returns
// the previous value, or nil if the key is new.
func (store *Store) Put(ctx context.Context, key keys.Key, value []byte) ([]byte, error) {
	result, err := store.dispatch(ctx, key, func(ctx context.Context, s *shard.Shard) ([]byte, error) {
		return s.Put(ctx, key, value)
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get returns the value stored for a key or ErrNotFound
func (store *Store) Get(ctx context.Context, key keys.Key) ([]byte, error) {
	return store.dispatch(ctx, key, func(ctx context.Context, s *shard.Shard) ([]byte, error) {
		return s.Get(ctx, key)
	})
}

// dispatch routes the key and runs op against its owner. A
// stale route rejected by the shard, or a shard that cannot be
// reached, is retried exactly once against a fresh route; by
// then any in-flight split has either published its directory
// update or the error is surfaced as ErrUnavailable.
func (store *Store) dispatch(ctx context.Context, key keys.Key, op func(context.Context, *shard.Shard) ([]byte, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		id, err := store.directory.Route(key)

		if err != nil {
			lastErr = err

			continue
		}

		s, ok := store.Shard(id)

		if !ok {
			lastErr = fmt.Errorf("routed to unknown shard %s", id)

			continue
		}

		result, err := op(ctx, s)

		switch err {
		case nil:
			return result, nil
		case shard.ErrNotFound:
			return nil, ErrNotFound
		case shard.ErrOutOfRange, shard.ErrUnreachable:
			lastErr = err

			continue
		case kv.ErrClosed:
			return nil, ErrUnavailable
		default:
			return nil, err
		}
	}

	store.logger.Warn("operation failed after retry",
		zap.String("key", key.String()),
		zap.Error(lastErr))

	return nil, ErrUnavailable
}

// Close stops the controller and every shard actor, then
// closes the underlying kv store. Persisted state is left
// intact for the next open.
func (store *Store) Close() error {
	store.controller.Stop()
	store.closeShards()

	return store.kv.Close()
}

// pruneOrphanBuckets drops record buckets for shards the
// directory does not know. They are left behind when a crash
// interrupts a split after the sibling's records were copied
// but before the directory published the new ownership; the
// parent still owns those records, so the orphan is garbage.
func (store *Store) pruneOrphanBuckets(entries []directory.Entry) error {
	owned := make(map[string]bool, len(entries))

	for _, entry := range entries {
		owned[entry.ShardID] = true
	}

	transaction, err := store.kv.Begin(true)

	if err != nil {
		return err
	}

	defer transaction.Rollback()

	orphans := [][]byte{}

	err = transaction.ForEachBucket(func(name []byte, _ kv.Bucket) error {
		if id, ok := shard.IDFromBucket(name); ok && !owned[id] {
			orphan := make([]byte, len(name))
			copy(orphan, name)

			orphans = append(orphans, orphan)
		}

		return nil
	})

	if err != nil {
		return err
	}

	for _, name := range orphans {
		store.logger.Warn("dropping orphan shard bucket", zap.ByteString("bucket", name))

		if err := transaction.DeleteBucket(name); err != nil {
			return err
		}
	}

	return transaction.Commit()
}

func (store *Store) closeShards() {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, s := range store.shards {
		s.Close()
	}
}
