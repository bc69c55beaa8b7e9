// Package tiling implements the canonical-tiling address arithmetic shared
// by the tile manager: encoding a bottom-edge integer as a 64-hex-digit
// uppercase address, aligning an address down to a level boundary, and
// deriving a tile's ancestor address at a coarser level. Tile addresses
// are exactly 256 bits wide (64 hex digits), the native width of
// github.com/holiman/uint256.Int, so this package uses that fixed-size
// type instead of math/big — every alignment and ancestor computation is
// then allocation-free, which matters because a single chunk claim can
// walk dozens of sibling tiles at the finest configured level.
package tiling

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxLevel is the widest tile level this package supports: a 256-bit
// address has 64 hex nibbles, so the coarsest possible level is 256.
const MaxLevel = 256

// ValidateLevel reports whether L is a tile level admitted by spec.md §3:
// a non-negative multiple of 4, no wider than the address space.
func ValidateLevel(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("tiling: level %d out of range [0, %d]", level, MaxLevel)
	}
	if level%4 != 0 {
		return fmt.Errorf("tiling: level %d is not a multiple of 4", level)
	}
	return nil
}

// Hex64Upper renders n as the fixed-width, zero-padded, uppercase 64-hex-digit
// address used as a tile's start_hex. n must fit in 256 bits.
func Hex64Upper(n *uint256.Int) string {
	return strings.ToUpper(fmt.Sprintf("%064x", n.ToBig()))
}

// FromUint64 builds a uint256.Int suitable for address arithmetic from a
// plain uint64 bottom-edge value (the common case: chunk bounds that fit
// comfortably under 2^256, which every realistic chunk_bits/min/max
// configuration does once expressed relative to its own range-set — the
// ledger itself still stores the true, possibly wider, decimal bounds).
func FromUint64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// AlignDown returns n rounded down to the nearest multiple of 2^level —
// clearing the low level/4 hex nibbles (level/1 bits).
func AlignDown(n *uint256.Int, level int) *uint256.Int {
	if level <= 0 {
		return new(uint256.Int).Set(n)
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(level))
	mask.SubUint64(mask, 1)
	mask.Not(mask)
	out := new(uint256.Int).And(n, mask)
	return out
}

// ParentHex derives the address of the unique ancestor tile at parentLevel
// containing the tile (level, startHex): the ancestor shares the leftmost
// 64 - parentLevel/4 hex nibbles and is zero in the remaining parentLevel/4.
func ParentHex(level int, startHex string, parentLevel int) (string, error) {
	if parentLevel <= level {
		return "", fmt.Errorf("tiling: parent level %d must exceed child level %d", parentLevel, level)
	}
	if len(startHex) != 64 {
		return "", fmt.Errorf("tiling: start_hex must be 64 hex digits, got %d", len(startHex))
	}
	headLen := 64 - parentLevel/4
	return startHex[:headLen] + strings.Repeat("0", parentLevel/4), nil
}

// ChildGlobPrefix returns the head (shared-nibble) prefix and the number of
// trailing zero nibbles that identify any immediate child of (level,
// startHex) at childLevel = level-4: a child's start_hex shares the head
// and is zero in the tail, with exactly one free "wildcard" nibble between
// them (the nibble that distinguishes the 16 children).
func ChildGlobPrefix(level int, startHex string) (head string, tailZeros int, err error) {
	if level < 4 {
		return "", 0, fmt.Errorf("tiling: level %d has no child level", level)
	}
	if len(startHex) != 64 {
		return "", 0, fmt.Errorf("tiling: start_hex must be 64 hex digits, got %d", len(startHex))
	}
	childLevel := level - 4
	headLen := 64 - level/4
	return startHex[:headLen], childLevel / 4, nil
}

// SizeOf returns 2^level as a uint256.Int.
func SizeOf(level int) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), uint(level))
}

// CeilAlignUp returns the smallest multiple of 2^level that is >= n (the
// "headAlign" boundary used by the canonical-tiling walk).
func CeilAlignUp(n *uint256.Int, level int) *uint256.Int {
	size := SizeOf(level)
	aligned := AlignDown(n, level)
	if aligned.Eq(n) {
		return aligned
	}
	out := new(uint256.Int)
	overflow := out.AddOverflow(aligned, size)
	if overflow {
		// saturate: callers only use this to bound a walk against an end
		// that itself fits in 256 bits, so overflow means "past the end".
		return new(uint256.Int).SetAllOne()
	}
	return out
}
