package keys

import (
	"fmt"
)

// All returns the range covering the entire key space
func All() Range {
	return Range{}
}

// Range represents all keys k such that
//   k >= Min and k < Max
// If Min = nil that indicates the start of all keys
// If Max = nil that indicates the end of all keys
type Range struct {
	Min Key
	Max Key
}

// Contains returns true if key falls inside the range
func (r Range) Contains(key Key) bool {
	if r.Min != nil && Compare(key, r.Min) < 0 {
		return false
	}

	if r.Max != nil && Compare(key, r.Max) >= 0 {
		return false
	}

	return true
}

// Interior returns true if boundary lies strictly inside the
// range: greater than Min and less than Max. A boundary that
// is interior to a range is a legal split point for it.
func (r Range) Interior(boundary Key) bool {
	if boundary == nil {
		return false
	}

	if r.Min != nil && Compare(boundary, r.Min) <= 0 {
		return false
	}

	if r.Max != nil && Compare(boundary, r.Max) >= 0 {
		return false
	}

	return true
}

// Split divides the range at boundary into two adjacent
// ranges whose union is the original range: [Min, boundary)
// and [boundary, Max). boundary must be interior to the range.
func (r Range) Split(boundary Key) (Range, Range, error) {
	if !r.Interior(boundary) {
		return Range{}, Range{}, fmt.Errorf("boundary %s is not strictly inside range %s", boundary, r)
	}

	boundary = Dup(boundary)

	left := Range{Min: r.Min, Max: boundary}
	right := Range{Min: boundary, Max: r.Max}

	return left, right, nil
}

// Equal returns true if the two ranges have identical bounds.
// A nil bound only equals another nil bound.
func (r Range) Equal(other Range) bool {
	return boundEqual(r.Min, other.Min) && boundEqual(r.Max, other.Max)
}

func (r Range) String() string {
	min := "-inf"
	max := "+inf"

	if r.Min != nil {
		min = r.Min.String()
	}

	if r.Max != nil {
		max = r.Max.String()
	}

	return fmt.Sprintf("[%s, %s)", min, max)
}

func boundEqual(a, b Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return Equal(a, b)
}

// CompareMin orders ranges by their lower bound, nil first.
// It is the sort order used by the routing table.
func CompareMin(a, b Range) int {
	if a.Min == nil {
		if b.Min == nil {
			return 0
		}

		return -1
	}

	if b.Min == nil {
		return 1
	}

	return Compare(a.Min, b.Min)
}
