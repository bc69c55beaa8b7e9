package tiling

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestValidateLevel(t *testing.T) {
	require.NoError(t, ValidateLevel(0))
	require.NoError(t, ValidateLevel(52))
	require.Error(t, ValidateLevel(50)) // not a multiple of 4
	require.Error(t, ValidateLevel(-4))
}

func TestHex64UpperWidthAndPadding(t *testing.T) {
	h := Hex64Upper(FromUint64(0xFF))
	require.Len(t, h, 64)
	require.Equal(t, "00FF", h[len(h)-4:])
	require.Equal(t, h, strings.ToUpper(h)) // uppercase-only, per spec.md §3
}

func TestAlignDownClearsLowNibbles(t *testing.T) {
	// level=8 -> clear low 8 bits (2 hex nibbles)
	n := FromUint64(0x12345)
	got := AlignDown(n, 8)
	require.Equal(t, uint64(0x12300), got.Uint64())
}

// P4: for every tile at level L, int(start_hex) mod 2^L == 0 and the low
// L/4 hex digits are zero.
func TestP4AlignmentInvariant(t *testing.T) {
	for _, level := range []int{4, 8, 40, 44, 48, 52} {
		n := FromUint64(0xFFFFFFFFFF)
		aligned := AlignDown(n, level)
		hex := Hex64Upper(aligned)
		tail := hex[64-level/4:]
		for _, c := range tail {
			require.Equal(t, byte('0'), byte(c))
		}
		size := SizeOf(level)
		mod := new(uint256.Int).Mod(aligned, size)
		require.True(t, mod.IsZero())
	}
}

func TestParentHexSharesHeadZerosTail(t *testing.T) {
	child := Hex64Upper(AlignDown(FromUint64(0x1234500), 8))
	parent, err := ParentHex(8, child, 16)
	require.NoError(t, err)
	require.Len(t, parent, 64)
	require.Equal(t, child[:64-16/4], parent[:64-16/4])
	require.Equal(t, "0000", parent[64-16/4:])

	_, err = ParentHex(16, child, 8)
	require.Error(t, err) // parent level must exceed child level
}

func TestChildGlobPrefix(t *testing.T) {
	addr := Hex64Upper(AlignDown(FromUint64(0x100000), 16))
	head, tailZeros, err := ChildGlobPrefix(16, addr)
	require.NoError(t, err)
	require.Equal(t, 1, len(addr)-len(head)-tailZeros) // exactly one wildcard nibble between head and tail
}

func TestCeilAlignUp(t *testing.T) {
	n := FromUint64(10)
	got := CeilAlignUp(n, 4) // size 16
	require.Equal(t, uint64(16), got.Uint64())

	aligned := FromUint64(32)
	got = CeilAlignUp(aligned, 4)
	require.Equal(t, uint64(32), got.Uint64()) // already aligned
}
