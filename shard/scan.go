package shard

import (
	"context"

	"github.com/dunlinkv/dunlin/storage/keys"
)

const scanBatchSize = 128

// Scan returns an ordered iterator over the shard's records
// inside a range. It fetches records in bounded batches so a
// scan never holds the actor for longer than one batch; the
// iterator is restartable because each batch resumes after the
// last key it returned. Scan is for internal consumers only,
// split bookkeeping and diagnostics, and is deliberately not
// part of the external call surface.
func (shard *Shard) Scan(rng keys.Range) *Iterator {
	return &Iterator{shard: shard, rng: rng}
}

// Iterator lazily walks a shard's records in ascending key
// order. It must only be used by one goroutine at a time.
type Iterator struct {
	shard *Shard
	rng   keys.Range
	batch []Record
	index int
	after keys.Key
	err   error
	done  bool
}

// Next advances the iterator. It must be called once at the
// start to advance to the first record. It returns false when
// the scan is exhausted or an error occurred; Error
// distinguishes the two.
func (iterator *Iterator) Next(ctx context.Context) bool {
	if iterator.done || iterator.err != nil {
		return false
	}

	iterator.index++

	if iterator.index < len(iterator.batch) {
		return true
	}

	response, err := iterator.shard.send(ctx, request{
		op:    opScan,
		scan:  iterator.rng,
		after: iterator.after,
		limit: scanBatchSize,
	})

	if err != nil {
		iterator.err = err

		return false
	}

	if len(response.records) == 0 {
		iterator.done = true

		return false
	}

	iterator.batch = response.records
	iterator.index = 0
	iterator.after = response.records[len(response.records)-1].Key

	return true
}

// Record returns the record at the current position
func (iterator *Iterator) Record() Record {
	return iterator.batch[iterator.index]
}

// Error returns the error that stopped the scan, if any
func (iterator *Iterator) Error() error {
	return iterator.err
}
