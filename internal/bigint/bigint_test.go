package bigint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkBoundsP2(t *testing.T) {
	min := big.NewInt(1000)
	max := big.NewInt(1999)
	bits := uint(4) // chunk size 16

	start, end := ChunkBounds(min, max, bits, 0)
	require.Equal(t, "1000", start.String())
	require.Equal(t, "1015", end.String())

	// last chunk is clipped to max
	n := TotalChunks(min, max, bits)
	start, end = ChunkBounds(min, max, bits, n-1)
	require.Equal(t, "1999", end.String())
	require.True(t, start.Cmp(end) <= 0)
}

func TestTotalChunksExact(t *testing.T) {
	min := big.NewInt(0)
	max := new(big.Int).Sub(Pow2(10), big.NewInt(1)) // 1023
	require.Equal(t, uint64(64), TotalChunks(min, max, 4))
}

func TestParseDecimalRoundTrip(t *testing.T) {
	huge := "27000000000000000000000000000000000000000"
	n, err := ParseDecimal(huge)
	require.NoError(t, err)
	require.Equal(t, huge, Decimal(n))

	_, err = ParseDecimal("")
	require.Error(t, err)
	_, err = ParseDecimal("not-a-number")
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint(big.NewInt(0), big.NewInt(255), 4)
	require.Equal(t, "min:0|max:255|bits:4", fp)
}

func TestClamp(t *testing.T) {
	require.Equal(t, int64(5), Clamp(1, 5, 10))
	require.Equal(t, int64(10), Clamp(20, 5, 10))
	require.Equal(t, int64(7), Clamp(7, 5, 10))
}
