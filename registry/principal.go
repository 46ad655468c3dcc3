package registry

import (
	"encoding/hex"
	"fmt"
)

// PrincipalSize is the length in bytes of a principal identity
const PrincipalSize = 32

// Principal is the opaque fixed-format identity of an actor.
// The registry never interprets it beyond comparing and
// returning it.
type Principal [PrincipalSize]byte

// ParsePrincipal decodes the hex text form of a principal
func ParsePrincipal(text string) (Principal, error) {
	var principal Principal

	decoded, err := hex.DecodeString(text)

	if err != nil {
		return Principal{}, fmt.Errorf("principal is not valid hex: %s", err.Error())
	}

	if len(decoded) != PrincipalSize {
		return Principal{}, fmt.Errorf("principal must be %d bytes, got %d", PrincipalSize, len(decoded))
	}

	copy(principal[:], decoded)

	return principal, nil
}

// IsZero returns true for the all-zero principal, which is not
// a valid identity
func (principal Principal) IsZero() bool {
	return principal == Principal{}
}

func (principal Principal) String() string {
	return hex.EncodeToString(principal[:])
}
