package kv_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/storage/kv/drivers"
)

// Every driver must behave identically against this suite.
func TestDrivers(t *testing.T) {
	for _, plugin := range drivers.Plugins() {
		t.Run(plugin.Name(), func(t *testing.T) {
			testDriver(t, plugin)
		})
	}
}

func tempStore(t *testing.T, plugin kv.Plugin) kv.Store {
	store, err := plugin.NewTemp()

	if err != nil {
		t.Fatalf("could not build a %s store: %s", plugin.Name(), err.Error())
	}

	t.Cleanup(func() {
		store.Delete()
	})

	return store
}

func testDriver(t *testing.T, plugin kv.Plugin) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, plugin) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, plugin) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, plugin) })
	t.Run("Buckets", func(t *testing.T) { testBuckets(t, plugin) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, plugin) })
}

func testPutGet(t *testing.T, plugin kv.Plugin) {
	store := tempStore(t, plugin)

	transaction, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	bucket, err := transaction.CreateBucketIfNotExists([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if err := bucket.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	// a get inside the same transaction observes the put
	if diff := cmp.Diff([]byte("v1"), bucket.Get([]byte("k1"))); diff != "" {
		t.Fatalf("uncommitted read mismatch (-want +got):\n%s", diff)
	}

	if err := transaction.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	transaction, err = store.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	defer transaction.Rollback()

	bucket = transaction.Bucket([]byte("b"))

	if bucket == nil {
		t.Fatalf("expected bucket to exist after commit")
	}

	if diff := cmp.Diff([]byte("v1"), bucket.Get([]byte("k1"))); diff != "" {
		t.Fatalf("committed read mismatch (-want +got):\n%s", diff)
	}

	if value := bucket.Get([]byte("missing")); value != nil {
		t.Fatalf("expected nil for a missing key, got %q", value)
	}
}

func testCursor(t *testing.T, plugin kv.Plugin) {
	store := tempStore(t, plugin)

	transaction, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	bucket, err := transaction.CreateBucketIfNotExists([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	// inserted out of order, iterated in order
	for _, key := range []string{"c", "a", "d", "b"} {
		if err := bucket.Put([]byte(key), []byte("v-"+key)); err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}
	}

	var order []string

	cursor := bucket.Cursor()

	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		order = append(order, string(key))
	}

	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, order); diff != "" {
		t.Fatalf("iteration order mismatch (-want +got):\n%s", diff)
	}

	key, value := bucket.Cursor().Seek([]byte("bb"))

	if diff := cmp.Diff([]byte("c"), key); diff != "" {
		t.Fatalf("seek key mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]byte("v-c"), value); diff != "" {
		t.Fatalf("seek value mismatch (-want +got):\n%s", diff)
	}

	if key, _ := bucket.Cursor().Seek([]byte("z")); key != nil {
		t.Fatalf("expected seek past the end to return nil, got %q", key)
	}

	if err := transaction.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}
}

func testRollback(t *testing.T, plugin kv.Plugin) {
	store := tempStore(t, plugin)

	transaction, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	bucket, err := transaction.CreateBucketIfNotExists([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if err := bucket.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if err := transaction.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	transaction, err = store.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	defer transaction.Rollback()

	if bucket := transaction.Bucket([]byte("b")); bucket != nil {
		t.Fatalf("expected rolled back bucket to be absent")
	}
}

func testBuckets(t *testing.T, plugin kv.Plugin) {
	store := tempStore(t, plugin)

	transaction, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	for _, name := range []string{"b2", "b1", "b3"} {
		if _, err := transaction.CreateBucketIfNotExists([]byte(name)); err != nil {
			t.Fatalf("expected err to be nil, got %s", err)
		}
	}

	if err := transaction.DeleteBucket([]byte("b2")); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if err := transaction.DeleteBucket([]byte("missing")); err != kv.ErrNoSuchBucket {
		t.Fatalf("expected ErrNoSuchBucket, got %v", err)
	}

	var names []string

	err = transaction.ForEachBucket(func(name []byte, bucket kv.Bucket) error {
		names = append(names, string(name))

		return nil
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if diff := cmp.Diff([]string{"b1", "b3"}, names); diff != "" {
		t.Fatalf("bucket list mismatch (-want +got):\n%s", diff)
	}

	if err := transaction.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}
}

func testReadOnly(t *testing.T, plugin kv.Plugin) {
	store := tempStore(t, plugin)

	transaction, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if _, err := transaction.CreateBucketIfNotExists([]byte("b")); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	if err := transaction.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	transaction, err = store.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	defer transaction.Rollback()

	if _, err := transaction.CreateBucketIfNotExists([]byte("other")); err != kv.ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	bucket := transaction.Bucket([]byte("b"))

	if bucket == nil {
		t.Fatalf("expected bucket to exist")
	}

	if err := bucket.Put([]byte("k"), []byte("v")); err != kv.ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}
