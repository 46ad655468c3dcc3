package shard

import (
	"encoding/binary"
	"fmt"

	"github.com/dunlinkv/dunlin/storage/keys"
)

// Record is a stored key-value pair plus the monotonic version
// counter used to detect stale overwrites during migration.
type Record struct {
	Key     keys.Key
	Value   []byte
	Version uint64
}

// record is the in-memory representation held by the shard tree
type record struct {
	value   []byte
	version uint64
}

// dupValue copies a stored value before it leaves the actor, so
// callers cannot mutate the shard's in-memory state through the
// returned slice
func dupValue(value []byte) []byte {
	if value == nil {
		return nil
	}

	dup := make([]byte, len(value))
	copy(dup, value)

	return dup
}

const recordHeaderSize = 8

// encodeRecord lays a record out as its big-endian version
// counter followed by the raw value. The layout is stable
// across upgrades; decodeRecord is its inverse.
func encodeRecord(version uint64, value []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(value))

	binary.BigEndian.PutUint64(buf[:recordHeaderSize], version)
	copy(buf[recordHeaderSize:], value)

	return buf
}

func decodeRecord(data []byte) (uint64, []byte, error) {
	if len(data) < recordHeaderSize {
		return 0, nil, fmt.Errorf("record is truncated: %d bytes", len(data))
	}

	value := make([]byte, len(data)-recordHeaderSize)
	copy(value, data[recordHeaderSize:])

	return binary.BigEndian.Uint64(data[:recordHeaderSize]), value, nil
}
