// Package bigint provides the decimal-string boundary codec for arbitrary
// precision integers used throughout the ledger: range-set bounds and chunk
// start/end are stored as TEXT and parsed back into *big.Int on read.
package bigint

import (
	"fmt"
	"math/big"
)

// Decimal renders n as a base-10 string, the on-disk representation for
// every big integer column in the store.
func Decimal(n *big.Int) string {
	return n.String()
}

// ParseDecimal parses a base-10 string into a *big.Int. It rejects empty
// input and anything big.Int itself would reject (signs aside, the ledger
// never stores negative bounds).
func ParseDecimal(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("bigint: empty decimal string")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bigint: invalid decimal string %q", s)
	}
	return n, nil
}

// MustParseDecimal is ParseDecimal but panics on error, for call sites
// reading back values this package itself just wrote (schema invariants
// guarantee they parse).
func MustParseDecimal(s string) *big.Int {
	n, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Pow2 returns 2^bits as a *big.Int.
func Pow2(bits uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), bits)
}

// CeilDivUint64 returns ceil(x/y) for non-negative big integers that are
// known to fit in a uint64 once divided — used for total-chunk counts,
// where x is a span width and y a chunk size.
func CeilDivUint64(x, y *big.Int) uint64 {
	if y.Sign() == 0 {
		return 0
	}
	num := new(big.Int).Add(x, new(big.Int).Sub(y, big.NewInt(1)))
	q := new(big.Int).Div(num, y)
	return q.Uint64()
}

// SpanCount returns max-min+1, the number of integers covered by [min, max].
func SpanCount(min, max *big.Int) *big.Int {
	return new(big.Int).Add(new(big.Int).Sub(max, min), big.NewInt(1))
}

// TotalChunks returns the number of chunk_bits-wide windows needed to cover
// [min, max] inclusive.
func TotalChunks(min, max *big.Int, chunkBits uint) uint64 {
	return CeilDivUint64(SpanCount(min, max), Pow2(chunkBits))
}

// ChunkBounds returns the half-open-in-spirit, inclusive-in-storage
// [start, end] window for chunk index idx of a range-set: start = min +
// idx*2^bits, end = min(start+2^bits, max+1) - 1. Mirrors spec P2.
func ChunkBounds(min, max *big.Int, chunkBits uint, idx uint64) (start, end *big.Int) {
	size := Pow2(chunkBits)
	start = new(big.Int).Add(min, new(big.Int).Mul(size, new(big.Int).SetUint64(idx)))
	upper := new(big.Int).Add(start, size)
	maxPlus1 := new(big.Int).Add(max, big.NewInt(1))
	if upper.Cmp(maxPlus1) > 0 {
		upper = maxPlus1
	}
	end = new(big.Int).Sub(upper, big.NewInt(1))
	return start, end
}

// Clamp returns v clamped into [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Fingerprint formats a range-set's configuration-drift fingerprint, the
// exact string form used by spec.md's cfg_fingerprint column.
func Fingerprint(min, max *big.Int, chunkBits uint) string {
	return fmt.Sprintf("min:%s|max:%s|bits:%d", min.String(), max.String(), chunkBits)
}
