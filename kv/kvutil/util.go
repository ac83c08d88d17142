package kvutil

import "bytes"

// NextPrefix returns a prefix that is lexicographically larger than the input prefix
func NextPrefix(prefix []byte) []byte {
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	var i int
	for i = len(prefix) - 1; i >= 0; i-- {
		buf[i]++
		if buf[i] != 0 {
			break
		}
	}
	if i == -1 {
		buf = make([]byte, 0)
	}
	return buf
}

// Bounds intersects a prefix with an inclusive lower bound and an exclusive upper bound.
// A nil return value means unbounded on that side.
func Bounds(prefix, lower, upper []byte) ([]byte, []byte) {
	lo := lower
	if len(prefix) > 0 && bytes.Compare(prefix, lo) > 0 {
		lo = prefix
	}
	hi := upper
	if len(prefix) > 0 {
		next := NextPrefix(prefix)
		if len(next) > 0 && (hi == nil || bytes.Compare(next, hi) < 0) {
			hi = next
		}
	}
	if len(lo) == 0 {
		lo = nil
	}
	if len(hi) == 0 {
		hi = nil
	}
	return lo, hi
}

// InBounds reports whether key lies in [lower, upper)
func InBounds(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}
