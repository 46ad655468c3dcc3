package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrReadOnly indicates a mutation attempted inside a
	// read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrNoSuchBucket indicates an operation on a bucket
	// that does not exist
	ErrNoSuchBucket = errors.New("bucket does not exist")
)

// Store is a transactional, bucketed, sorted key-value store.
// It is the persistence substrate for shards and the routing
// table. Implementations must enforce strict serializability
// between transactions: a transaction that begins after another
// transaction commits observes that transaction's effects.
type Store interface {
	// Begin starts a transaction. writable should be true
	// for read-write transactions and false for read-only
	// transactions. Begin must return ErrClosed if it is
	// called after Close returns.
	Begin(writable bool) (Transaction, error)
	// Close closes the store. It must not return until all
	// open transactions have committed or rolled back.
	// Operations started after Close returns must return
	// ErrClosed and have no effect.
	Close() error
	// Delete closes the store and removes all of its
	// contents. If the store does not exist it returns nil.
	Delete() error
}

// Transaction is a transaction spanning all buckets of a store.
// It must only be used by one goroutine at a time. Updates made
// inside a transaction are not visible to other transactions
// until Commit returns.
type Transaction interface {
	// Bucket returns a handle for the named bucket or nil if
	// no such bucket exists.
	Bucket(name []byte) Bucket
	// CreateBucketIfNotExists creates the named bucket if
	// missing and returns a handle for it. It must return
	// ErrReadOnly on a read-only transaction.
	CreateBucketIfNotExists(name []byte) (Bucket, error)
	// DeleteBucket removes the named bucket and everything in
	// it. It returns ErrNoSuchBucket if the bucket does not
	// exist and ErrReadOnly on a read-only transaction.
	DeleteBucket(name []byte) error
	// ForEachBucket calls fn once per bucket in ascending
	// name order, stopping at the first error.
	ForEachBucket(fn func(name []byte, bucket Bucket) error) error
	// Commit commits the transaction
	Commit() error
	// Rollback discards the transaction. Rollback after
	// Commit has no effect.
	Rollback() error
}

// Bucket is a sorted map of keys to values inside a transaction.
// Keys and values must be treated as invalid after the parent
// transaction ends.
type Bucket interface {
	// Get returns the value for a key or nil if the key is
	// not present. It must observe updates made earlier in
	// the same transaction.
	Get(key []byte) []byte
	// Put sets the value for a key, overwriting any previous
	// value. Keys and values must be non-empty.
	Put(key []byte, value []byte) error
	// Delete removes a key. Deleting an absent key is not an
	// error.
	Delete(key []byte) error
	// ForEach calls fn for every key in ascending order,
	// stopping at the first error.
	ForEach(fn func(key []byte, value []byte) error) error
	// Cursor returns a cursor positioned before the first key
	Cursor() Cursor
}

// Cursor iterates over a bucket in ascending key order. It must
// only be used by one goroutine at a time and not after its
// parent transaction ends.
type Cursor interface {
	// First moves the cursor to the first key
	First() (key []byte, value []byte)
	// Next moves the cursor to the next key. A nil key
	// indicates the end of the bucket.
	Next() (key []byte, value []byte)
	// Seek moves the cursor to the first key >= seek
	Seek(seek []byte) (key []byte, value []byte)
}

// Plugin constructs stores for one storage driver
type Plugin interface {
	// Name returns the name of the storage driver
	Name() string
	// New returns a store configured with options
	New(options PluginOptions) (Store, error)
	// NewTemp returns a store initialized with sane defaults.
	// It is meant for tests that need a working store without
	// knowing how to configure the driver.
	NewTemp() (Store, error)
}

// PluginOptions is a free-form set of driver options
type PluginOptions map[string]interface{}
