package bbolt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName identifies this driver in configuration
	DriverName = "bbolt"
)

var _ kv.Plugin = (*Plugin)(nil)

// Plugin is the kv plugin for the bbolt driver
type Plugin struct {
}

func (plugin *Plugin) Name() string {
	return DriverName
}

func (plugin *Plugin) New(options kv.PluginOptions) (kv.Store, error) {
	var config StoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	return New(config)
}

func (plugin *Plugin) NewTemp() (kv.Store, error) {
	return plugin.New(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("dunlin-bbolt-%s", uuid.MustUUID())),
	})
}

// StoreConfig contains configuration for a bbolt store
type StoreConfig struct {
	Path string
}

var _ kv.Store = (*Store)(nil)

// Store is a kv.Store backed by a single bbolt file
type Store struct {
	db *bolt.DB
}

// New opens or creates the bbolt file at config.Path
func New(config StoreConfig) (*Store, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err.Error())
	}

	return &Store{db: db}, nil
}

func (store *Store) Begin(writable bool) (kv.Transaction, error) {
	transaction, err := store.db.Begin(writable)

	if err != nil {
		if err == bolt.ErrDatabaseNotOpen {
			return nil, kv.ErrClosed
		}

		return nil, fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	return &transactionWrapper{transaction: transaction}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

func (store *Store) Delete() error {
	path := store.db.Path()

	if err := store.db.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err.Error())
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err.Error())
	}

	return nil
}

var _ kv.Transaction = (*transactionWrapper)(nil)

type transactionWrapper struct {
	transaction *bolt.Tx
}

func (transaction *transactionWrapper) Bucket(name []byte) kv.Bucket {
	bucket := transaction.transaction.Bucket(name)

	if bucket == nil {
		return nil
	}

	return &bucketWrapper{bucket: bucket}
}

func (transaction *transactionWrapper) CreateBucketIfNotExists(name []byte) (kv.Bucket, error) {
	bucket, err := transaction.transaction.CreateBucketIfNotExists(name)

	if err != nil {
		if err == bolt.ErrTxNotWritable {
			return nil, kv.ErrReadOnly
		}

		return nil, fmt.Errorf("could not create bucket: %s", err.Error())
	}

	return &bucketWrapper{bucket: bucket}, nil
}

func (transaction *transactionWrapper) DeleteBucket(name []byte) error {
	err := transaction.transaction.DeleteBucket(name)

	switch err {
	case bolt.ErrBucketNotFound:
		return kv.ErrNoSuchBucket
	case bolt.ErrTxNotWritable:
		return kv.ErrReadOnly
	}

	return err
}

func (transaction *transactionWrapper) ForEachBucket(fn func(name []byte, bucket kv.Bucket) error) error {
	return transaction.transaction.ForEach(func(name []byte, bucket *bolt.Bucket) error {
		return fn(name, &bucketWrapper{bucket: bucket})
	})
}

func (transaction *transactionWrapper) Commit() error {
	return transaction.transaction.Commit()
}

func (transaction *transactionWrapper) Rollback() error {
	err := transaction.transaction.Rollback()

	if err == bolt.ErrTxClosed {
		return nil
	}

	return err
}

var _ kv.Bucket = (*bucketWrapper)(nil)

type bucketWrapper struct {
	bucket *bolt.Bucket
}

func (bucket *bucketWrapper) Get(key []byte) []byte {
	return bucket.bucket.Get(key)
}

func (bucket *bucketWrapper) Put(key []byte, value []byte) error {
	err := bucket.bucket.Put(key, value)

	if err == bolt.ErrTxNotWritable {
		return kv.ErrReadOnly
	}

	return err
}

func (bucket *bucketWrapper) Delete(key []byte) error {
	err := bucket.bucket.Delete(key)

	if err == bolt.ErrTxNotWritable {
		return kv.ErrReadOnly
	}

	return err
}

func (bucket *bucketWrapper) ForEach(fn func(key []byte, value []byte) error) error {
	return bucket.bucket.ForEach(fn)
}

func (bucket *bucketWrapper) Cursor() kv.Cursor {
	return &cursorWrapper{cursor: bucket.bucket.Cursor()}
}

var _ kv.Cursor = (*cursorWrapper)(nil)

type cursorWrapper struct {
	cursor *bolt.Cursor
}

func (cursor *cursorWrapper) First() (key []byte, value []byte) {
	return cursor.cursor.First()
}

func (cursor *cursorWrapper) Next() (key []byte, value []byte) {
	return cursor.cursor.Next()
}

func (cursor *cursorWrapper) Seek(seek []byte) (key []byte, value []byte) {
	return cursor.cursor.Seek(seek)
}
