package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
)

// Chunk is one claimed chunk_bits-wide window of a range-set.
type Chunk struct {
	ID          int64
	RangeSetID  int64
	ChunkIndex  string
	StartDec    string
	EndDec      string
	Status      string
	Pubkey      sql.NullString
	NThreads    sql.NullInt64
	DP          sql.NullInt64
	DPForced    sql.NullBool
	MFactor     sql.NullFloat64
	ExpectedOps sql.NullString
}

// TryInsertChunk claims chunkIndex within rangesetID by inserting a new
// queued row; the (rangeset_id, chunk_index) unique constraint is the
// claim primitive — a conflict means another process already owns it.
func TryInsertChunk(ctx context.Context, db *sql.DB, rangesetID int64, chunkIndex, startDec, endDec string) (*Chunk, error) {
	_, err := db.ExecContext(ctx, `INSERT INTO `+TableChunks+`
		(rangeset_id, chunk_index, start_dec, end_dec, status, claimed_ts)
		VALUES (?,?,?,?,?,?)`, rangesetID, chunkIndex, startDec, endDec, ChunkQueued, rangelog.NowUTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: chunk %s: %w", chunkIndex, ErrClaimContention)
		}
		return nil, err
	}
	return ChunkByIndex(ctx, db, rangesetID, chunkIndex)
}

// ChunkByIndex fetches a chunk by its natural key.
func ChunkByIndex(ctx context.Context, db *sql.DB, rangesetID int64, chunkIndex string) (*Chunk, error) {
	row := db.QueryRowContext(ctx, `SELECT id, rangeset_id, chunk_index, start_dec, end_dec, status,
		pubkey, nthreads, dp, dp_forced, m_factor, expected_ops
		FROM `+TableChunks+` WHERE rangeset_id=? AND chunk_index=?`, rangesetID, chunkIndex)
	return scanChunk(row)
}

// ChunkByID fetches a chunk by its primary key.
func ChunkByID(ctx context.Context, db *sql.DB, id int64) (*Chunk, error) {
	row := db.QueryRowContext(ctx, `SELECT id, rangeset_id, chunk_index, start_dec, end_dec, status,
		pubkey, nthreads, dp, dp_forced, m_factor, expected_ops
		FROM `+TableChunks+` WHERE id=?`, id)
	return scanChunk(row)
}

func scanChunk(row *sql.Row) (*Chunk, error) {
	var c Chunk
	if err := row.Scan(&c.ID, &c.RangeSetID, &c.ChunkIndex, &c.StartDec, &c.EndDec, &c.Status,
		&c.Pubkey, &c.NThreads, &c.DP, &c.DPForced, &c.MFactor, &c.ExpectedOps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// StartChunk marks a queued (or resumed) chunk running and stamps the run
// parameters the worker was launched with (spec.md §4.5: forced DP and the
// max-step multiplier are echoed onto the chunk row verbatim, not
// recomputed later).
func StartChunk(ctx context.Context, db *sql.DB, id int64, pubkey string, nthreads, dp int, dpForced bool, mFactor float64, expectedOps string) error {
	_, err := db.ExecContext(ctx, `UPDATE `+TableChunks+`
		SET status=?, started_ts=?, pubkey=?, nthreads=?, dp=?, dp_forced=?, m_factor=?, expected_ops=?
		WHERE id=?`, ChunkRunning, rangelog.NowUTC(), pubkey, nthreads, dp, dpForced, mFactor, expectedOps, id)
	return err
}

// FinishChunk records the terminal outcome of a chunk: status (mapped
// through MapStatus by the caller), progress stats, and captured output.
func FinishChunk(ctx context.Context, db *sql.DB, id int64, status string, mkSNow, mkSAvg float64, dead int, output []byte) error {
	_, err := db.ExecContext(ctx, `UPDATE `+TableChunks+`
		SET status=?, finished_ts=?, mk_s_now=?, mk_s_avg=?, dead=?, output=?
		WHERE id=?`, status, rangelog.NowUTC(), mkSNow, mkSAvg, dead, output, id)
	return err
}

// ResetToQueued reverts a chunk back to queued and clears its run
// timestamps. The row keeps its (rangeset_id, chunk_index) slot: the
// pickers resume only running chunks and TryInsertChunk refuses an index
// that already has a row, so a queued row is not claimed again by them.
func ResetToQueued(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE `+TableChunks+`
		SET status=?, started_ts=NULL, finished_ts=NULL WHERE id=?`, ChunkQueued, id)
	return err
}

// FindRunningChunk returns the oldest still-running chunk in rangesetID, or
// nil if none is running. Every picker policy calls this first so a crash
// mid-chunk is resumed rather than orphaned behind a fresh claim — orch.py's
// claim_or_resume_chunk.
func FindRunningChunk(ctx context.Context, db *sql.DB, rangesetID int64) (*Chunk, error) {
	row := db.QueryRowContext(ctx, `SELECT id, rangeset_id, chunk_index, start_dec, end_dec, status,
		pubkey, nthreads, dp, dp_forced, m_factor, expected_ops
		FROM `+TableChunks+` WHERE rangeset_id=? AND status=? ORDER BY claimed_ts ASC LIMIT 1`,
		rangesetID, ChunkRunning)
	c, err := scanChunk(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// CountByStatus returns how many chunks in rangesetID currently hold
// status, used by --summary.
func CountByStatus(ctx context.Context, db *sql.DB, rangesetID int64, status string) (int64, error) {
	var n int64
	row := db.QueryRowContext(ctx, `SELECT count(*) FROM `+TableChunks+` WHERE rangeset_id=? AND status=?`, rangesetID, status)
	err := row.Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations as *sqlite.Error
	// whose message contains "UNIQUE constraint failed"; matching on the
	// message is what the driver itself recommends since it does not
	// export a typed sentinel for this.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
