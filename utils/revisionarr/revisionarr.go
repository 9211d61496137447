// Package revisionarr compares and combines revisions expressed as arrays of
// uint64's.  Element zero is the least significant part of the revision and
// missing trailing elements are treated as zero.
package revisionarr

// Add sums two revisions element by element.  Since every component
// revision only ever increases, the sum of two revisions is itself
// monotonically increasing and can be used as a derived revision.
func Add(a, b []uint64) []uint64 {
	out := make([]uint64, max(len(a), len(b)))
	for idx, value := range a {
		out[idx] += value
	}
	for idx, value := range b {
		out[idx] += value
	}
	return out
}

func at(rev []uint64, idx int) uint64 {
	if idx < len(rev) {
		return rev[idx]
	}
	return 0
}

// Compare returns 0 if a == b, -1 if a < b and +1 if a > b.  A nil revision
// is equal to an empty one.
func Compare(a, b []uint64) int {
	// the most significant element is the last one, so scan right-to-left
	for idx := max(len(a), len(b)) - 1; idx >= 0; idx-- {
		av, bv := at(a, idx), at(b, idx)
		if av > bv {
			return +1
		} else if av < bv {
			return -1
		}
	}
	return 0
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current []uint64) bool {
	return Compare(candidate, current) > 0
}
