package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"go.uber.org/zap"

	"github.com/dunlinkv/dunlin/storage/keys"
	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/utils/uuid"
)

var (
	// ErrOutOfRange indicates a key outside the shard's
	// currently assigned range. Callers recover by routing
	// the key again and retrying once.
	ErrOutOfRange = errors.New("key is outside the shard's range")
	// ErrNotFound indicates a get for a key the shard owns
	// but does not hold
	ErrNotFound = errors.New("key not found")
	// ErrSplitInfeasible indicates that no boundary can
	// legally split the shard
	ErrSplitInfeasible = errors.New("shard has no feasible split boundary")
	// ErrUnreachable indicates that the shard actor did not
	// answer: its mailbox is closed or the caller's context
	// expired first
	ErrUnreachable = errors.New("shard is unreachable")
)

const defaultMailboxSize = 64

// Report is an occupancy report emitted to the scaling
// controller after every completed put.
type Report struct {
	ShardID   string
	Occupancy int
}

// Config contains configuration for a shard
type Config struct {
	// ID is the shard's stable identifier. Leave empty to
	// generate one.
	ID string
	// Range is the key range assigned to the shard
	Range keys.Range
	// Store is the kv store backing the shard's records
	Store kv.Store
	// Reports receives occupancy reports after each put.
	// Sends never block: a report that finds the channel
	// full is dropped and superseded by the next one.
	Reports chan<- Report
	// Logger for the shard's own events
	Logger *zap.Logger
	// MailboxSize bounds the number of queued requests
	MailboxSize int
}

// Shard is a storage actor owning a contiguous key range. All
// exported methods are safe for concurrent use; the actor
// goroutine serializes them internally.
type Shard struct {
	id       string
	requests chan request
	stop     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	// owned by the actor goroutine
	rng     keys.Range
	records *redblacktree.Tree
	store   kv.Store
	reports chan<- Report
	logger  *zap.Logger
	base    *zap.Logger

	mailboxSize int
}

// New opens a shard, loading any records previously persisted
// under its bucket, and starts its actor goroutine. Records
// left behind by a published split are outside the shard's
// assigned range; they are pruned here rather than loaded.
func New(config Config) (*Shard, error) {
	records := newRecordTree()

	transaction, err := config.Store.Begin(true)

	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}

	defer transaction.Rollback()

	if bucket := transaction.Bucket(bucketName(config.ID)); bucket != nil {
		strays := []keys.Key{}

		err = bucket.ForEach(func(key []byte, data []byte) error {
			if !config.Range.Contains(keys.Key(key)) {
				strays = append(strays, keys.Dup(keys.Key(key)))

				return nil
			}

			version, value, err := decodeRecord(data)

			if err != nil {
				return fmt.Errorf("could not decode record %s: %w", keys.Key(key), err)
			}

			records.Put(string(key), &record{value: value, version: version})

			return nil
		})

		if err != nil {
			return nil, err
		}

		for _, key := range strays {
			if err := bucket.Delete(key); err != nil {
				return nil, fmt.Errorf("could not prune stray record %s: %w", key, err)
			}
		}
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit prune: %w", err)
	}

	return start(config, records), nil
}

// start spawns the actor for a shard whose record set is
// already in memory
func start(config Config, records *redblacktree.Tree) *Shard {
	if config.ID == "" {
		config.ID = uuid.MustUUID()
	}

	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.MailboxSize <= 0 {
		config.MailboxSize = defaultMailboxSize
	}

	shard := &Shard{
		id:          config.ID,
		requests:    make(chan request, config.MailboxSize),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		rng:         config.Range,
		records:     records,
		store:       config.Store,
		reports:     config.Reports,
		logger:      config.Logger.With(zap.String("shard", config.ID)),
		base:        config.Logger,
		mailboxSize: config.MailboxSize,
	}

	go shard.run()

	return shard
}

// ID returns the shard's stable identifier
func (shard *Shard) ID() string {
	return shard.id
}

// Put inserts or overwrites the value for a key, returning the
// previous value or nil if the key is new. It fails with
// ErrOutOfRange if the key is outside the shard's current
// range.
func (shard *Shard) Put(ctx context.Context, key keys.Key, value []byte) ([]byte, error) {
	response, err := shard.send(ctx, request{op: opPut, key: key, value: value})

	if err != nil {
		return nil, err
	}

	return response.prev, nil
}

// Get returns the value stored for a key. It fails with
// ErrNotFound if the shard owns the key but holds no record for
// it and with ErrOutOfRange if the key is outside the shard's
// current range.
func (shard *Shard) Get(ctx context.Context, key keys.Key) ([]byte, error) {
	response, err := shard.send(ctx, request{op: opGet, key: key})

	if err != nil {
		return nil, err
	}

	return response.value, nil
}

// Occupancy returns the number of records currently held
func (shard *Shard) Occupancy(ctx context.Context) (int, error) {
	response, err := shard.send(ctx, request{op: opOccupancy})

	if err != nil {
		return 0, err
	}

	return response.occupancy, nil
}

// Range returns the shard's currently assigned key range
func (shard *Shard) Range(ctx context.Context) (keys.Range, error) {
	response, err := shard.send(ctx, request{op: opRange})

	if err != nil {
		return keys.Range{}, err
	}

	return response.rng, nil
}

// SplitPoint returns the median stored key as a split boundary
// candidate along with the range it would split. It fails with
// ErrSplitInfeasible when the shard holds fewer than two
// distinct keys.
func (shard *Shard) SplitPoint(ctx context.Context) (keys.Key, keys.Range, error) {
	response, err := shard.send(ctx, request{op: opSplitPoint})

	if err != nil {
		return nil, keys.Range{}, err
	}

	return response.boundary, response.rng, nil
}

// Split partitions the shard at boundary. The shard keeps
// [lo, boundary) and the records on that side; a new sibling
// shard owning [boundary, hi) is created with the complementary
// records and returned already running. The move is persisted
// in a single storage transaction, so either every record ends
// up on exactly one side or the split fails and the shard is
// unmodified.
func (shard *Shard) Split(ctx context.Context, boundary keys.Key) (*Shard, error) {
	response, err := shard.send(ctx, request{op: opSplit, boundary: boundary})

	if err != nil {
		return nil, err
	}

	return response.sibling, nil
}

// Close stops the shard's actor and waits for it to exit.
// Requests in flight or sent after Close fail with
// ErrUnreachable. Close does not touch persisted state.
func (shard *Shard) Close() {
	shard.once.Do(func() {
		close(shard.stop)
	})

	<-shard.stopped
}

type opKind int

const (
	opPut opKind = iota
	opGet
	opOccupancy
	opRange
	opSplitPoint
	opSplit
	opScan
)

type request struct {
	op       opKind
	key      keys.Key
	value    []byte
	boundary keys.Key
	after    keys.Key
	scan     keys.Range
	limit    int
	reply    chan response
}

type response struct {
	prev      []byte
	value     []byte
	occupancy int
	boundary  keys.Key
	rng       keys.Range
	sibling   *Shard
	records   []Record
	err       error
}

// send delivers one request to the actor and waits for its
// reply. A context that expires while the request is queued or
// in flight surfaces as ErrUnreachable; the operation may still
// execute, which is safe because every operation is an
// idempotent overwrite or a read.
func (shard *Shard) send(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case shard.requests <- req:
	case <-shard.stopped:
		return response{}, ErrUnreachable
	case <-ctx.Done():
		return response{}, ErrUnreachable
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			return response{}, res.err
		}

		return res, nil
	case <-shard.stopped:
		// the actor may have replied just before stopping
		select {
		case res := <-req.reply:
			if res.err != nil {
				return response{}, res.err
			}

			return res, nil
		default:
			return response{}, ErrUnreachable
		}
	case <-ctx.Done():
		return response{}, ErrUnreachable
	}
}

func (shard *Shard) run() {
	defer close(shard.stopped)

	for {
		select {
		case req := <-shard.requests:
			req.reply <- shard.handle(req)
		case <-shard.stop:
			return
		}
	}
}

func (shard *Shard) handle(req request) response {
	switch req.op {
	case opPut:
		return shard.handlePut(req.key, req.value)
	case opGet:
		return shard.handleGet(req.key)
	case opOccupancy:
		return response{occupancy: shard.records.Size()}
	case opRange:
		return response{rng: shard.rng}
	case opSplitPoint:
		return shard.handleSplitPoint()
	case opSplit:
		return shard.handleSplit(req.boundary)
	case opScan:
		return shard.handleScan(req.scan, req.after, req.limit)
	}

	return response{err: fmt.Errorf("unknown operation %d", req.op)}
}

func (shard *Shard) handlePut(key keys.Key, value []byte) response {
	if !shard.rng.Contains(key) {
		return response{err: ErrOutOfRange}
	}

	version := uint64(1)

	var prev []byte

	if existing, ok := shard.records.Get(string(key)); ok {
		prev = existing.(*record).value
		version = existing.(*record).version + 1
	}

	if err := shard.persistPut(key, value, version); err != nil {
		shard.logger.Error("put failed", zap.String("key", key.String()), zap.Error(err))

		return response{err: err}
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	shard.records.Put(string(key), &record{value: stored, version: version})

	shard.report()

	return response{prev: prev}
}

func (shard *Shard) persistPut(key keys.Key, value []byte, version uint64) error {
	transaction, err := shard.store.Begin(true)

	if err != nil {
		return wrapError("could not begin transaction", err)
	}

	defer transaction.Rollback()

	bucket, err := transaction.CreateBucketIfNotExists(bucketName(shard.id))

	if err != nil {
		return wrapError("could not create bucket", err)
	}

	if err := bucket.Put(key, encodeRecord(version, value)); err != nil {
		return wrapError("could not put record", err)
	}

	if err := transaction.Commit(); err != nil {
		return wrapError("could not commit transaction", err)
	}

	return nil
}

func (shard *Shard) handleGet(key keys.Key) response {
	if !shard.rng.Contains(key) {
		return response{err: ErrOutOfRange}
	}

	existing, ok := shard.records.Get(string(key))

	if !ok {
		return response{err: ErrNotFound}
	}

	return response{value: dupValue(existing.(*record).value)}
}

func (shard *Shard) handleSplitPoint() response {
	if shard.records.Size() < 2 {
		return response{err: ErrSplitInfeasible}
	}

	treeKeys := shard.records.Keys()
	boundary := keys.Key(treeKeys[len(treeKeys)/2].(string))

	// keys are distinct so the median is strictly greater
	// than the lowest stored key, which keeps it interior
	// to the shard's range
	if !shard.rng.Interior(boundary) {
		return response{err: ErrSplitInfeasible}
	}

	return response{boundary: keys.Dup(boundary), rng: shard.rng}
}

func (shard *Shard) handleSplit(boundary keys.Key) response {
	left, right, err := shard.rng.Split(boundary)

	if err != nil {
		return response{err: ErrSplitInfeasible}
	}

	keep, move := partition(shard.records, boundary)

	siblingID := uuid.MustUUID()

	if err := shard.persistSplit(siblingID, move); err != nil {
		shard.logger.Error("split failed",
			zap.String("boundary", boundary.String()),
			zap.Error(err))

		return response{err: err}
	}

	sibling := start(Config{
		ID:          siblingID,
		Range:       right,
		Store:       shard.store,
		Reports:     shard.reports,
		Logger:      shard.base,
		MailboxSize: shard.mailboxSize,
	}, move)

	shard.rng = left
	shard.records = keep

	shard.logger.Info("shard split",
		zap.String("boundary", boundary.String()),
		zap.String("sibling", siblingID),
		zap.Int("kept", keep.Size()),
		zap.Int("moved", move.Size()))

	return response{sibling: sibling}
}

// persistSplit copies the records at or above the boundary into
// the sibling's bucket inside one transaction. The parent's
// copies are left in place: until the directory publishes the
// split they are still the authoritative records, and after it
// publishes they are out of the parent's range and get pruned
// on its next open. This keeps a crash anywhere in the protocol
// from losing records.
func (shard *Shard) persistSplit(siblingID string, move *redblacktree.Tree) error {
	transaction, err := shard.store.Begin(true)

	if err != nil {
		return wrapError("could not begin transaction", err)
	}

	defer transaction.Rollback()

	sibling, err := transaction.CreateBucketIfNotExists(bucketName(siblingID))

	if err != nil {
		return wrapError("could not create sibling bucket", err)
	}

	iterator := move.Iterator()

	for iterator.Next() {
		key := []byte(iterator.Key().(string))
		rec := iterator.Value().(*record)

		if err := sibling.Put(key, encodeRecord(rec.version, rec.value)); err != nil {
			return wrapError("could not copy record to sibling", err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return wrapError("could not commit split", err)
	}

	return nil
}

func (shard *Shard) handleScan(scan keys.Range, after keys.Key, limit int) response {
	if limit <= 0 {
		limit = scanBatchSize
	}

	records := make([]Record, 0, limit)

	iterator, ok := seek(shard.records, scan, after)

	if !ok {
		return response{records: records}
	}

	for {
		key := keys.Key(iterator.Key().(string))

		if scan.Max != nil && keys.Compare(key, scan.Max) >= 0 {
			break
		}

		rec := iterator.Value().(*record)

		records = append(records, Record{
			Key:     keys.Dup(key),
			Value:   dupValue(rec.value),
			Version: rec.version,
		})

		if len(records) >= limit {
			break
		}

		if !iterator.Next() {
			break
		}
	}

	return response{records: records}
}

// report sends an occupancy report without blocking the actor
func (shard *Shard) report() {
	if shard.reports == nil {
		return
	}

	select {
	case shard.reports <- Report{ShardID: shard.id, Occupancy: shard.records.Size()}:
	default:
	}
}

// partition splits a record tree at boundary into the records
// strictly below it and the records at or above it
func partition(records *redblacktree.Tree, boundary keys.Key) (*redblacktree.Tree, *redblacktree.Tree) {
	keep := newRecordTree()
	move := newRecordTree()

	iterator := records.Iterator()

	for iterator.Next() {
		key := keys.Key(iterator.Key().(string))

		if keys.Compare(key, boundary) < 0 {
			keep.Put(iterator.Key(), iterator.Value())
		} else {
			move.Put(iterator.Key(), iterator.Value())
		}
	}

	return keep, move
}

// seek positions an iterator at the first record inside the
// scan range after the restart key
func seek(records *redblacktree.Tree, scan keys.Range, after keys.Key) (*redblacktree.Iterator, bool) {
	from := scan.Min

	if after != nil {
		from = after
	}

	var iterator redblacktree.Iterator

	if from == nil {
		iterator = records.Iterator()

		if !iterator.Next() {
			return nil, false
		}
	} else {
		node, ok := records.Ceiling(string(from))

		if !ok {
			return nil, false
		}

		iterator = records.IteratorAt(node)

		// the restart key itself was already returned by the
		// previous batch
		if after != nil && keys.Equal(keys.Key(node.Key.(string)), after) {
			if !iterator.Next() {
				return nil, false
			}
		}
	}

	return &iterator, true
}

func newRecordTree() *redblacktree.Tree {
	return redblacktree.NewWith(utils.StringComparator)
}

const bucketPrefix = "shard/"

func bucketName(id string) []byte {
	return []byte(bucketPrefix + id)
}

// BucketName returns the kv bucket holding a shard's records
func BucketName(id string) []byte {
	return bucketName(id)
}

// IDFromBucket extracts the shard id from a record bucket name.
// It returns false for buckets that do not belong to a shard.
func IDFromBucket(name []byte) (string, bool) {
	if len(name) <= len(bucketPrefix) || string(name[:len(bucketPrefix)]) != bucketPrefix {
		return "", false
	}

	return string(name[len(bucketPrefix):]), true
}

func wrapError(wrap string, err error) error {
	switch err {
	case kv.ErrClosed:
		fallthrough
	case nil:
		return err
	}

	return fmt.Errorf("%s: %s", wrap, err.Error())
}
