package store

// Table and column names for the ledger. Named and commented in the style
// of a bucket/table catalog rather than struct tags, so the on-disk shape
// is documented in one place independent of the Go types that read it.

const (
	// TableRangeSets holds one row per (pubkey, [min,max], chunk_bits)
	// search-space configuration.
	// key   - id (autoincrement)
	// value - name, min_dec, max_dec, chunk_bits, next_index (cursor for
	//         the sequential picker), created_ts, cfg_fingerprint
	TableRangeSets = "rangesets"

	// TableChunks holds one row per claimed chunk_bits-wide window within
	// a range-set.
	// key   - id (autoincrement); UNIQUE(rangeset_id, chunk_index)
	// value - start_dec, end_dec, status, run metadata (thread count,
	//         claimed/started/finished timestamps, speed, dead-kangaroo
	//         count, expected ops, forced DP, max-step multiplier,
	//         pubkey, chunk-bounds echo, captured worker output)
	TableChunks = "chunks"

	// TableTiles holds one row per coverage cell in the per-pubkey
	// hierarchical canonical tiling.
	// key   - id (autoincrement); UNIQUE(pubkey, level, start_hex)
	// value - status, lease_ts, soft back-references to rangeset/chunk
	TableTiles = "tiles"
)

// Chunk status values. A schema may admit a subset of these (discovered at
// runtime from the CHECK constraint on the chunks table, never hard-coded)
// — see MapStatus.
const (
	ChunkQueued   = "queued"
	ChunkRunning  = "running"
	ChunkDone     = "done"
	ChunkFound    = "found"
	ChunkAborted  = "aborted"
	ChunkStalled  = "stalled" // admitted by schema, never produced by the loop (open question, spec.md §9)
	ChunkErrorAlt = "error"   // fallback synonym some schemas admit in place of "aborted"
)

// Tile status values.
const (
	TileRunning = "running"
	TileDone    = "done"
	TileFound   = "found"
)

const ddlRangeSets = `
CREATE TABLE IF NOT EXISTS ` + TableRangeSets + `(
  id              INTEGER PRIMARY KEY,
  name            TEXT UNIQUE NOT NULL,
  min_dec         TEXT NOT NULL,
  max_dec         TEXT NOT NULL,
  chunk_bits      INTEGER NOT NULL,
  next_index      TEXT NOT NULL DEFAULT '0',
  created_ts      TEXT NOT NULL,
  cfg_fingerprint TEXT
)`

const ddlChunks = `
CREATE TABLE IF NOT EXISTS ` + TableChunks + `(
  id            INTEGER PRIMARY KEY,
  rangeset_id   INTEGER NOT NULL,
  chunk_index   TEXT NOT NULL,
  start_dec     TEXT NOT NULL,
  end_dec       TEXT NOT NULL,
  status        TEXT NOT NULL CHECK(status IN ('queued','running','done','found','aborted','stalled')),
  claimed_ts    TEXT NOT NULL,
  started_ts    TEXT,
  finished_ts   TEXT,
  mk_s_now      REAL,
  mk_s_avg      REAL,
  dead          INTEGER,
  dp            INTEGER,
  expected_ops  TEXT,
  nthreads      INTEGER,
  pubkey        TEXT,
  m_factor      REAL,
  dp_forced     INTEGER,
  band_min_dec  TEXT,
  band_max_dec  TEXT,
  output        BLOB,
  UNIQUE(rangeset_id, chunk_index)
)`

const ddlTiles = `
CREATE TABLE IF NOT EXISTS ` + TableTiles + `(
  id           INTEGER PRIMARY KEY,
  pubkey       TEXT,
  level        INTEGER NOT NULL,
  start_hex    TEXT NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('running','done','found')),
  lease_ts     TEXT NOT NULL,
  rangeset_id  INTEGER,
  chunk_id     INTEGER,
  UNIQUE(pubkey, level, start_hex)
)`

const ddlTileIndexes = `
CREATE INDEX IF NOT EXISTS tiles_by_chunk ON ` + TableTiles + `(chunk_id);
CREATE INDEX IF NOT EXISTS tiles_by_status ON ` + TableTiles + `(pubkey, status, level);
`
