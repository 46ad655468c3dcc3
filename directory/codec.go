package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/dunlinkv/dunlin/storage/keys"
)

// Range entries persist as a flag byte marking which bounds are
// open followed by the length-prefixed bounds themselves. The
// layout is stable across upgrades.
const (
	flagOpenMin = 1 << 0
	flagOpenMax = 1 << 1
)

func encodeRange(rng keys.Range) []byte {
	buf := make([]byte, 1, 1+2*2+len(rng.Min)+len(rng.Max))

	if rng.Min == nil {
		buf[0] |= flagOpenMin
	} else {
		buf = appendBound(buf, rng.Min)
	}

	if rng.Max == nil {
		buf[0] |= flagOpenMax
	} else {
		buf = appendBound(buf, rng.Max)
	}

	return buf
}

func decodeRange(data []byte) (keys.Range, error) {
	if len(data) < 1 {
		return keys.Range{}, fmt.Errorf("entry is empty")
	}

	flags := data[0]
	data = data[1:]

	var rng keys.Range
	var err error

	if flags&flagOpenMin == 0 {
		rng.Min, data, err = readBound(data)

		if err != nil {
			return keys.Range{}, err
		}
	}

	if flags&flagOpenMax == 0 {
		rng.Max, data, err = readBound(data)

		if err != nil {
			return keys.Range{}, err
		}
	}

	if len(data) != 0 {
		return keys.Range{}, fmt.Errorf("entry has %d trailing bytes", len(data))
	}

	return rng, nil
}

func appendBound(buf []byte, bound keys.Key) []byte {
	var length [2]byte

	binary.BigEndian.PutUint16(length[:], uint16(len(bound)))

	buf = append(buf, length[:]...)
	buf = append(buf, bound...)

	return buf
}

func readBound(data []byte) (keys.Key, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("entry is truncated")
	}

	length := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]

	if len(data) < length {
		return nil, nil, fmt.Errorf("bound is truncated: want %d bytes, have %d", length, len(data))
	}

	bound := make(keys.Key, length)
	copy(bound, data[:length])

	return bound, data[length:], nil
}
