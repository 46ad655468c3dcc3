package registry

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Entry is the value bound to a registered name: the actor's
// principal, the server-side registration time, and optional
// free-form detail attributes supplied at registration.
type Entry struct {
	Principal    Principal
	RegisteredAt time.Time
	Details      map[string]string
}

// entryCodecVersion tags the value layout so it can evolve
// without breaking records written by earlier versions
const entryCodecVersion = 1

// maxDetails and maxDetailLength bound what the uint16 framing
// in the codec can represent. ValidateDetails enforces them
// before anything is encoded.
const (
	maxDetails      = 65535
	maxDetailLength = 65535
)

// ValidateDetails rejects detail attributes the entry codec
// cannot represent losslessly
func ValidateDetails(details map[string]string) error {
	if len(details) > maxDetails {
		return fmt.Errorf("too many details: %d", len(details))
	}

	for key, value := range details {
		if len(key) > maxDetailLength {
			return fmt.Errorf("detail key is too long: %d bytes", len(key))
		}

		if len(value) > maxDetailLength {
			return fmt.Errorf("detail value for %q is too long: %d bytes", key, len(value))
		}
	}

	return nil
}

// EncodeEntry lays an entry out as a stable binary value:
// version byte, principal, registration time in unix
// nanoseconds, then the detail attributes as length-prefixed
// pairs in sorted key order. DecodeEntry is its inverse.
func EncodeEntry(entry Entry) []byte {
	size := 1 + PrincipalSize + 8 + 2

	detailKeys := make([]string, 0, len(entry.Details))

	for key := range entry.Details {
		detailKeys = append(detailKeys, key)
		size += 4 + len(key) + len(entry.Details[key])
	}

	sort.Strings(detailKeys)

	buf := make([]byte, 0, size)

	buf = append(buf, entryCodecVersion)
	buf = append(buf, entry.Principal[:]...)

	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], uint64(entry.RegisteredAt.UnixNano()))
	buf = append(buf, scratch[:]...)

	binary.BigEndian.PutUint16(scratch[:2], uint16(len(detailKeys)))
	buf = append(buf, scratch[:2]...)

	for _, key := range detailKeys {
		buf = appendString(buf, key)
		buf = appendString(buf, entry.Details[key])
	}

	return buf
}

// DecodeEntry decodes a value written by EncodeEntry
func DecodeEntry(data []byte) (Entry, error) {
	if len(data) < 1 {
		return Entry{}, fmt.Errorf("entry is empty")
	}

	if data[0] != entryCodecVersion {
		return Entry{}, fmt.Errorf("unknown entry version %d", data[0])
	}

	data = data[1:]

	if len(data) < PrincipalSize+8+2 {
		return Entry{}, fmt.Errorf("entry is truncated: %d bytes", len(data))
	}

	var entry Entry

	copy(entry.Principal[:], data[:PrincipalSize])
	data = data[PrincipalSize:]

	entry.RegisteredAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[:8]))).UTC()
	data = data[8:]

	count := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]

	if count > 0 {
		entry.Details = make(map[string]string, count)
	}

	for i := 0; i < count; i++ {
		var key, value string
		var err error

		key, data, err = readString(data)

		if err != nil {
			return Entry{}, err
		}

		value, data, err = readString(data)

		if err != nil {
			return Entry{}, err
		}

		entry.Details[key] = value
	}

	if len(data) != 0 {
		return Entry{}, fmt.Errorf("entry has %d trailing bytes", len(data))
	}

	return entry, nil
}

func appendString(buf []byte, s string) []byte {
	var length [2]byte

	binary.BigEndian.PutUint16(length[:], uint16(len(s)))

	buf = append(buf, length[:]...)
	buf = append(buf, s...)

	return buf
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("entry is truncated")
	}

	length := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]

	if len(data) < length {
		return "", nil, fmt.Errorf("string is truncated: want %d bytes, have %d", length, len(data))
	}

	return string(data[:length]), data[length:], nil
}
