package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background(), rangelog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMemoryAppliesSchema(t *testing.T) {
	s := openTestStore(t)
	cols, err := tableColumns(context.Background(), s.db, TableChunks)
	require.NoError(t, err)
	require.True(t, cols["pubkey"])
	require.True(t, cols["dp_forced"])
}

func TestMapStatusExactMatch(t *testing.T) {
	s := openTestStore(t)
	got, err := s.MapStatus(context.Background(), ChunkDone)
	require.NoError(t, err)
	require.Equal(t, ChunkDone, got)
}

// allowedChunkStatuses discovers statuses from the live CHECK constraint
// text rather than a hard-coded list (spec.md §3).
func TestAllowedChunkStatusesDiscoveredFromSchema(t *testing.T) {
	s := openTestStore(t)
	allowed, err := allowedChunkStatuses(context.Background(), s.db)
	require.NoError(t, err)
	require.True(t, allowed[ChunkQueued])
	require.True(t, allowed[ChunkStalled])
	require.False(t, allowed["not-a-real-status"])
}

// P9 (spec.md §8): a status the schema doesn't admit is remapped to a
// reported synonym rather than silently dropped.
func TestMapStatusFallsBackLoudly(t *testing.T) {
	s := openTestStore(t)
	got, err := s.MapStatus(context.Background(), "not-a-real-status")
	require.ErrorIs(t, err, ErrSchemaMappingMiss)
	require.NotEmpty(t, got)
}

func TestEnsureTilesSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.ensureTilesSchema(context.Background()))
	cols, err := tableColumns(context.Background(), s.db, TableTiles)
	require.NoError(t, err)
	require.True(t, cols["pubkey"])
}
