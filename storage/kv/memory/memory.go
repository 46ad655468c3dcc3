// Package memory implements the kv interfaces entirely in
// memory. It is used by tests and by ephemeral deployments
// that can afford to lose state on restart. Concurrency
// control is coarse: one transaction at a time holds the
// whole store, which is acceptable for its intended uses.
package memory

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"github.com/dunlinkv/dunlin/storage/kv"
)

const (
	// DriverName identifies this driver in configuration
	DriverName = "memory"
)

var _ kv.Plugin = (*Plugin)(nil)

// Plugin is the kv plugin for the memory driver
type Plugin struct {
}

func (plugin *Plugin) Name() string {
	return DriverName
}

func (plugin *Plugin) New(options kv.PluginOptions) (kv.Store, error) {
	return New(), nil
}

func (plugin *Plugin) NewTemp() (kv.Store, error) {
	return New(), nil
}

var _ kv.Store = (*Store)(nil)

// Store is an in-memory kv.Store
type Store struct {
	mu      sync.Mutex
	buckets map[string]*redblacktree.Tree
	closed  bool
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		buckets: map[string]*redblacktree.Tree{},
	}
}

func (store *Store) Begin(writable bool) (kv.Transaction, error) {
	store.mu.Lock()

	if store.closed {
		store.mu.Unlock()

		return nil, kv.ErrClosed
	}

	return &transaction{
		store:    store,
		writable: writable,
		dirty:    map[string]*redblacktree.Tree{},
		deleted:  map[string]bool{},
	}, nil
}

func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true

	return nil
}

func (store *Store) Delete() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true
	store.buckets = map[string]*redblacktree.Tree{}

	return nil
}

var _ kv.Transaction = (*transaction)(nil)

// transaction holds the store lock from Begin until Commit or
// Rollback. Mutations go to copy-on-write clones in dirty and
// only merge into the store on Commit, so a failed multi-step
// update leaves the store untouched.
type transaction struct {
	store    *Store
	writable bool
	dirty    map[string]*redblacktree.Tree
	deleted  map[string]bool
	done     bool
}

func (txn *transaction) Bucket(name []byte) kv.Bucket {
	if txn.done {
		return nil
	}

	if txn.deleted[string(name)] {
		return nil
	}

	if _, ok := txn.dirty[string(name)]; ok {
		return &bucket{txn: txn, name: string(name)}
	}

	if _, ok := txn.store.buckets[string(name)]; ok {
		return &bucket{txn: txn, name: string(name)}
	}

	return nil
}

func (txn *transaction) CreateBucketIfNotExists(name []byte) (kv.Bucket, error) {
	if txn.done {
		return nil, kv.ErrClosed
	}

	if !txn.writable {
		return nil, kv.ErrReadOnly
	}

	if b := txn.Bucket(name); b != nil {
		return b, nil
	}

	txn.dirty[string(name)] = newTree()
	delete(txn.deleted, string(name))

	return &bucket{txn: txn, name: string(name)}, nil
}

func (txn *transaction) DeleteBucket(name []byte) error {
	if txn.done {
		return kv.ErrClosed
	}

	if !txn.writable {
		return kv.ErrReadOnly
	}

	if txn.Bucket(name) == nil {
		return kv.ErrNoSuchBucket
	}

	delete(txn.dirty, string(name))
	txn.deleted[string(name)] = true

	return nil
}

func (txn *transaction) ForEachBucket(fn func(name []byte, bucket kv.Bucket) error) error {
	if txn.done {
		return kv.ErrClosed
	}

	names := map[string]bool{}

	for name := range txn.store.buckets {
		if !txn.deleted[name] {
			names[name] = true
		}
	}

	for name := range txn.dirty {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))

	for name := range names {
		sorted = append(sorted, name)
	}

	sort.Strings(sorted)

	for _, name := range sorted {
		if err := fn([]byte(name), &bucket{txn: txn, name: name}); err != nil {
			return err
		}
	}

	return nil
}

func (txn *transaction) Commit() error {
	if txn.done {
		return kv.ErrClosed
	}

	for name := range txn.deleted {
		delete(txn.store.buckets, name)
	}

	for name, tree := range txn.dirty {
		txn.store.buckets[name] = tree
	}

	txn.done = true
	txn.store.mu.Unlock()

	return nil
}

func (txn *transaction) Rollback() error {
	if txn.done {
		return nil
	}

	txn.done = true
	txn.store.mu.Unlock()

	return nil
}

// effective returns the tree this transaction should read
// from for a bucket: the copy-on-write clone if one exists,
// otherwise the committed tree.
func (txn *transaction) effective(name string) *redblacktree.Tree {
	if tree, ok := txn.dirty[name]; ok {
		return tree
	}

	return txn.store.buckets[name]
}

// mutable clones the committed tree into dirty on first
// mutation of a bucket
func (txn *transaction) mutable(name string) *redblacktree.Tree {
	if tree, ok := txn.dirty[name]; ok {
		return tree
	}

	clone := newTree()

	if base, ok := txn.store.buckets[name]; ok {
		iterator := base.Iterator()

		for iterator.Next() {
			clone.Put(iterator.Key(), iterator.Value())
		}
	}

	txn.dirty[name] = clone

	return clone
}

func newTree() *redblacktree.Tree {
	return redblacktree.NewWith(utils.StringComparator)
}

var _ kv.Bucket = (*bucket)(nil)

type bucket struct {
	txn  *transaction
	name string
}

func (bucket *bucket) Get(key []byte) []byte {
	tree := bucket.txn.effective(bucket.name)

	if tree == nil {
		return nil
	}

	value, ok := tree.Get(string(key))

	if !ok {
		return nil
	}

	return value.([]byte)
}

func (bucket *bucket) Put(key []byte, value []byte) error {
	if !bucket.txn.writable {
		return kv.ErrReadOnly
	}

	dup := make([]byte, len(value))
	copy(dup, value)

	bucket.txn.mutable(bucket.name).Put(string(key), dup)

	return nil
}

func (bucket *bucket) Delete(key []byte) error {
	if !bucket.txn.writable {
		return kv.ErrReadOnly
	}

	bucket.txn.mutable(bucket.name).Remove(string(key))

	return nil
}

func (bucket *bucket) ForEach(fn func(key []byte, value []byte) error) error {
	tree := bucket.txn.effective(bucket.name)

	if tree == nil {
		return nil
	}

	iterator := tree.Iterator()

	for iterator.Next() {
		if err := fn([]byte(iterator.Key().(string)), iterator.Value().([]byte)); err != nil {
			return err
		}
	}

	return nil
}

func (bucket *bucket) Cursor() kv.Cursor {
	return &cursor{bucket: bucket}
}

var _ kv.Cursor = (*cursor)(nil)

type cursor struct {
	bucket   *bucket
	iterator *redblacktree.Iterator
}

func (cursor *cursor) First() (key []byte, value []byte) {
	tree := cursor.bucket.txn.effective(cursor.bucket.name)

	if tree == nil {
		return nil, nil
	}

	iterator := tree.Iterator()
	cursor.iterator = &iterator

	return cursor.advance()
}

func (cursor *cursor) Next() (key []byte, value []byte) {
	if cursor.iterator == nil {
		return cursor.First()
	}

	return cursor.advance()
}

func (cursor *cursor) Seek(seek []byte) (key []byte, value []byte) {
	tree := cursor.bucket.txn.effective(cursor.bucket.name)

	if tree == nil {
		return nil, nil
	}

	node, ok := tree.Ceiling(string(seek))

	if !ok {
		iterator := tree.Iterator()
		iterator.End()
		cursor.iterator = &iterator

		return nil, nil
	}

	iterator := tree.IteratorAt(node)
	cursor.iterator = &iterator

	return []byte(node.Key.(string)), node.Value.([]byte)
}

func (cursor *cursor) advance() (key []byte, value []byte) {
	if !cursor.iterator.Next() {
		return nil, nil
	}

	return []byte(cursor.iterator.Key().(string)), cursor.iterator.Value().([]byte)
}
