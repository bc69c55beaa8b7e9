// Package store implements the ledger (spec.md §4.2): a single embedded
// SQLite database (via modernc.org/sqlite, pure Go, no cgo) holding
// range-sets, chunks, and tiles, with idempotent schema migration on open
// and optimistic-concurrency claims via unique constraints.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
)

// Store is the ledger handle. All mutation goes through *sql.DB; the
// unique constraints on (rangeset_id, chunk_index) and (pubkey, level,
// start_hex) are the sole mutual-exclusion primitive — see spec.md §4.2.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	log  *rangelog.Logger
}

// Open opens (creating if necessary) the SQLite database at path, takes an
// advisory host-level file lock for the process lifetime (so two
// orchestrators on the same host don't race DDL migrations against each
// other — SQLite itself arbitrates concurrent writers once the schema is
// settled), enables WAL journaling, and applies schema migrations
// idempotently.
func Open(ctx context.Context, path string, log *rangelog.Logger) (*Store, error) {
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("store: acquiring lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("store: %s is locked by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers from one *sql.DB

	s := &Store{db: db, lock: lk, log: log}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		_ = lk.Unlock()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a private in-memory database, used by tests that need a
// throwaway ledger without touching disk or the file lock.
func OpenMemory(ctx context.Context, log *rangelog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("store: opening in-memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=OFF"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	for _, ddl := range []string{ddlRangeSets, ddlChunks} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: applying schema: %w", err)
		}
	}
	if err := s.ensureRangeSetColumns(ctx); err != nil {
		return err
	}
	if err := s.ensureChunkColumns(ctx); err != nil {
		return err
	}
	return s.ensureTilesSchema(ctx)
}

// Close releases the database handle and the advisory file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// DB exposes the underlying *sql.DB for packages (picker, tiles) that need
// direct transactional access; Store itself only owns lifecycle and
// migration.
func (s *Store) DB() *sql.DB { return s.db }

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) ensureRangeSetColumns(ctx context.Context) error {
	cols, err := tableColumns(ctx, s.db, TableRangeSets)
	if err != nil {
		return err
	}
	if !cols["next_index"] {
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE "+TableRangeSets+" ADD COLUMN next_index TEXT DEFAULT '0'"); err != nil {
			return err
		}
	}
	if !cols["created_ts"] {
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE "+TableRangeSets+" ADD COLUMN created_ts TEXT"); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE "+TableRangeSets+" SET created_ts=? WHERE created_ts IS NULL", rangelog.NowUTC()); err != nil {
			return err
		}
	}
	if !cols["cfg_fingerprint"] {
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE "+TableRangeSets+" ADD COLUMN cfg_fingerprint TEXT"); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `UPDATE `+TableRangeSets+`
			SET cfg_fingerprint = 'min:'||min_dec||'|max:'||max_dec||'|bits:'||chunk_bits
			WHERE cfg_fingerprint IS NULL`)
		if err != nil {
			return err
		}
	}
	return nil
}

var chunkBackfillColumns = []struct{ name, ddlType string }{
	{"claimed_ts", "TEXT"},
	{"started_ts", "TEXT"},
	{"finished_ts", "TEXT"},
	{"mk_s_now", "REAL"},
	{"mk_s_avg", "REAL"},
	{"dead", "INTEGER"},
	{"dp", "INTEGER"},
	{"expected_ops", "TEXT"},
	{"nthreads", "INTEGER"},
	{"pubkey", "TEXT"},
	{"m_factor", "REAL"},
	{"dp_forced", "INTEGER"},
	{"band_min_dec", "TEXT"},
	{"band_max_dec", "TEXT"},
	{"output", "BLOB"},
}

func (s *Store) ensureChunkColumns(ctx context.Context) error {
	cols, err := tableColumns(ctx, s.db, TableChunks)
	if err != nil {
		return err
	}
	for _, c := range chunkBackfillColumns {
		if cols[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", TableChunks, c.name, c.ddlType)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: backfilling chunks.%s: %w", c.name, err)
		}
	}
	return nil
}

var checkConstraintRe = regexp.MustCompile(`(?i)CHECK\s*\(\s*status\s+IN\s*\(([^)]*)\)\s*\)`)

// allowedChunkStatuses discovers the set of statuses admitted by the
// chunks table's CHECK constraint, read back from sqlite_master rather
// than hard-coded — spec.md §3: "implementers must discover admitted
// values from the schema, not hard-code".
func allowedChunkStatuses(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	var sqlText sql.NullString
	row := db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type='table' AND name=?`, TableChunks)
	if err := row.Scan(&sqlText); err != nil {
		return nil, err
	}
	m := checkConstraintRe.FindStringSubmatch(sqlText.String)
	if m == nil {
		return map[string]bool{
			ChunkQueued: true, ChunkRunning: true, ChunkDone: true,
			ChunkFound: true, ChunkAborted: true, ChunkStalled: true, ChunkErrorAlt: true,
		}, nil
	}
	out := map[string]bool{}
	for _, v := range strings.Split(m[1], ",") {
		v = strings.Trim(strings.TrimSpace(v), `'"`)
		if v != "" {
			out[v] = true
		}
	}
	return out, nil
}

// MapStatus maps a desired chunk status onto one admitted by the schema's
// CHECK constraint, per spec.md §7's "schema mapping miss" error kind:
// an exact match wins; "aborted" falls back to "error" if present; any
// other miss falls through to an arbitrary admitted value, logged loudly
// rather than suppressed (spec.md §9 open question).
func (s *Store) MapStatus(ctx context.Context, status string) (string, error) {
	allowed, err := allowedChunkStatuses(ctx, s.db)
	if err != nil {
		return "", err
	}
	if allowed[status] {
		return status, nil
	}
	if status == ChunkAborted && allowed[ChunkErrorAlt] {
		s.log.Warnw("schema does not admit 'aborted'; remapping to 'error'", "requested", status)
		return ChunkErrorAlt, nil
	}
	for v := range allowed {
		s.log.Errorw("schema mapping miss: falling back to an arbitrary admitted status", "requested", status, "fallback", v)
		return v, ErrSchemaMappingMiss
	}
	return "", fmt.Errorf("store: %w: no admitted statuses at all", ErrSchemaMappingMiss)
}
