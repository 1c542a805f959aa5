// Package mathutil carries the small set of overflow-checked integer
// helpers the persistent backend's map-size growth arithmetic needs.
package mathutil

import "math/bits"

const MaxUint64 = 1<<64 - 1

// SafeMul returns x*y and whether the multiplication overflowed uint64.
func SafeMul(x, y uint64) (result uint64, overflow bool) {
	hi, lo := bits.Mul64(x, y)
	return lo, hi != 0
}

// SafeAdd returns x+y and whether the addition overflowed uint64.
func SafeAdd(x, y uint64) (result uint64, overflow bool) {
	sum, carry := bits.Add64(x, y, 0)
	return sum, carry != 0
}

// CeilToPage rounds size up to the next multiple of pageSize. pageSize
// must be a positive power of two; callers (kv/mdbx) only ever pass the
// fixed page size constant.
func CeilToPage(size, pageSize uint64) uint64 {
	if pageSize == 0 {
		return size
	}
	rem := size % pageSize
	if rem == 0 {
		return size
	}
	sum, overflow := SafeAdd(size, pageSize-rem)
	if overflow {
		return MaxUint64 - (MaxUint64 % pageSize)
	}
	return sum
}
