package picker

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/rules"
	"github.com/rangekeeper/orchestrator/internal/store"
)

func newTestRangeSet(t *testing.T, chunkBits int, span string) (*store.Store, *store.RangeSet) {
	t.Helper()
	s, err := store.OpenMemory(context.Background(), rangelog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	rs, err := store.UpsertRangeSet(context.Background(), s.DB(), "r1", "0", span, chunkBits, false)
	require.NoError(t, err)
	return s, rs
}

// S1 (spec.md §8): random policy never claims the same chunk twice across
// many picks.
func TestRandomPolicyNoDoubleClaim(t *testing.T) {
	s, rs := newTestRangeSet(t, 4, "255") // 16 chunks of size 16
	total := big.NewInt(16)

	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		c, err := Pick(context.Background(), s.DB(), Random, Options{RangeSet: rs, TotalChunks: total})
		require.NoError(t, err)
		require.False(t, seen[c.ChunkIndex], "chunk %s claimed twice", c.ChunkIndex)
		seen[c.ChunkIndex] = true
	}
}

// S2 (spec.md §8): sequential policy advances next_index monotonically on
// each successful claim and never revisits an index.
func TestSequentialPolicyAdvancesCursor(t *testing.T) {
	s, rs := newTestRangeSet(t, 4, "255")
	total := big.NewInt(16)

	prev := big.NewInt(-1)
	for i := 0; i < 16; i++ {
		c, err := Pick(context.Background(), s.DB(), Sequential, Options{RangeSet: rs, TotalChunks: total})
		require.NoError(t, err)
		idx, ok := new(big.Int).SetString(c.ChunkIndex, 10)
		require.True(t, ok)
		require.Equal(t, 1, idx.Cmp(prev))
		prev = idx
	}
}

// S5 (spec.md §8): entropy policy's first pick on an empty range-set
// targets the midpoint.
func TestEntropyPolicyFirstPickIsMidpoint(t *testing.T) {
	s, rs := newTestRangeSet(t, 4, "255")
	total := big.NewInt(16)

	c, err := Pick(context.Background(), s.DB(), Entropy, Options{RangeSet: rs, TotalChunks: total})
	require.NoError(t, err)
	require.Equal(t, "8", c.ChunkIndex)
}

func TestEntropyPolicyTargetsLargestGap(t *testing.T) {
	s, rs := newTestRangeSet(t, 4, "1023") // 64 chunks of size 16
	total := big.NewInt(64)

	for _, idx := range []string{"0", "1", "2", "60", "61", "62", "63"} {
		startDec, endDec := chunkBounds(Options{RangeSet: rs, TotalChunks: total}, bigFrom(idx))
		_, err := store.TryInsertChunk(context.Background(), s.DB(), rs.ID, idx, startDec, endDec)
		require.NoError(t, err)
	}

	c, err := Pick(context.Background(), s.DB(), Entropy, Options{RangeSet: rs, TotalChunks: total})
	require.NoError(t, err)
	idx, _ := new(big.Int).SetString(c.ChunkIndex, 10)
	require.True(t, idx.Cmp(big.NewInt(3)) >= 0)
	require.True(t, idx.Cmp(big.NewInt(60)) < 0)
}

func bigFrom(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}

// Confirms the sequential+rules jump operates on the range-set's real
// decimal domain [min, max] rather than the chunk-index domain: with
// chunk_bits=0 every chunk index maps 1:1 onto a decimal value offset by
// min. Here min=11111 breaks rule 1, so the decimal domain jumps to 11112
// (chunk 1), while a picker that (incorrectly) ran the rules engine over
// [0, totalChunks) would accept index 0 ("000") and land on chunk 0 —
// spec.md §4.3 line 92.
func TestSequentialRulesJumpUsesDecimalDomain(t *testing.T) {
	s, err := store.OpenMemory(context.Background(), rangelog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	rs, err := store.UpsertRangeSet(context.Background(), s.DB(), "r1", "11111", "11999", 0, false)
	require.NoError(t, err)
	total := big.NewInt(889)

	min := big.NewInt(11111)
	max := big.NewInt(11999)
	wantV, err := rules.NextValidGE(min, min, max)
	require.NoError(t, err)
	require.NotNil(t, wantV)
	wantIdx := new(big.Int).Sub(wantV, min)

	c, err := Pick(context.Background(), s.DB(), Sequential, Options{
		RangeSet: rs, TotalChunks: total, RulesJump: true, MaxTries: 50,
	})
	require.NoError(t, err)
	require.Equal(t, wantIdx.String(), c.ChunkIndex)
	require.Equal(t, wantV.String(), c.StartDec)
}
