// Package picker implements the three chunk-selection policies from
// spec.md §4.3: random, sequential (with optional digit-pattern rules),
// and entropy (always attacking the largest unclaimed gap).
package picker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/cenkalti/backoff/v4"

	"github.com/rangekeeper/orchestrator/internal/rules"
	"github.com/rangekeeper/orchestrator/internal/store"
)

// Policy names accepted on the CLI (spec.md §6).
const (
	Random     = "random"
	Sequential = "sequential"
	Entropy    = "entropy"
)

// randomAttempts bounds how many random probes are tried before falling
// back to a linear sweep — orch.py's pick_random tries 64 before giving
// up to a scan.
const randomAttempts = 64

// Options configures a picker run. RangeSet and TotalChunks are required;
// RulesJump/MaxTries only apply to the sequential policy.
type Options struct {
	RangeSet  *store.RangeSet
	TotalChunks *big.Int
	RulesJump bool
	MaxTries  int
}

// Pick selects and claims the next chunk index for rs under policy,
// retrying on claim contention with exponential backoff (spec.md §7:
// "claim contention" is expected under concurrency, not an error to
// surface to the operator).
func Pick(ctx context.Context, db *sql.DB, policy string, opts Options) (*store.Chunk, error) {
	var chunk *store.Chunk
	op := func() error {
		var err error
		switch policy {
		case Random:
			chunk, err = pickRandom(ctx, db, opts)
		case Sequential:
			chunk, err = pickSequential(ctx, db, opts)
		case Entropy:
			chunk, err = pickEntropy(ctx, db, opts)
		default:
			return backoff.Permanent(fmt.Errorf("picker: unknown policy %q", policy))
		}
		if errors.Is(err, store.ErrClaimContention) {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 20)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return chunk, nil
}

func chunkBounds(opts Options, idx *big.Int) (startDec, endDec string) {
	min := bigMustDec(opts.RangeSet.MinDec)
	bits := uint(opts.RangeSet.ChunkBits)
	size := new(big.Int).Lsh(big.NewInt(1), bits)
	start := new(big.Int).Add(min, new(big.Int).Mul(size, idx))
	end := new(big.Int).Sub(new(big.Int).Add(start, size), big.NewInt(1))
	max := bigMustDec(opts.RangeSet.MaxDec)
	if end.Cmp(max) > 0 {
		end = max
	}
	return start.String(), end.String()
}

func bigMustDec(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("picker: invalid decimal %q", s))
	}
	return n
}

// resumeRunningChunk returns a chunk to resume if the range-set already has
// one stuck in status=running — spec.md §4.3 line 86: every policy checks
// for a crash-interrupted chunk before running its own selection logic, so
// a dead orchestrator's claim isn't orphaned behind a fresh one.
func resumeRunningChunk(ctx context.Context, db *sql.DB, opts Options) (*store.Chunk, error) {
	return store.FindRunningChunk(ctx, db, opts.RangeSet.ID)
}

// pickRandom probes randomAttempts uniformly random indices, then falls
// back to a bounded linear sweep from one more random start — orch.py's
// pick_random.
func pickRandom(ctx context.Context, db *sql.DB, opts Options) (*store.Chunk, error) {
	if resumed, err := resumeRunningChunk(ctx, db, opts); err != nil {
		return nil, err
	} else if resumed != nil {
		return resumed, nil
	}

	for i := 0; i < randomAttempts; i++ {
		idx, err := randomBigInt(opts.TotalChunks)
		if err != nil {
			return nil, err
		}
		startDec, endDec := chunkBounds(opts, idx)
		c, err := store.TryInsertChunk(ctx, db, opts.RangeSet.ID, idx.String(), startDec, endDec)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrClaimContention) {
			return nil, err
		}
	}

	start, err := randomBigInt(opts.TotalChunks)
	if err != nil {
		return nil, err
	}
	return linearSweep(ctx, db, opts, start, opts.TotalChunks)
}

func linearSweep(ctx context.Context, db *sql.DB, opts Options, start, limit *big.Int) (*store.Chunk, error) {
	idx := new(big.Int).Set(start)
	one := big.NewInt(1)
	for i := new(big.Int); i.Cmp(limit) < 0; i.Add(i, one) {
		startDec, endDec := chunkBounds(opts, idx)
		c, err := store.TryInsertChunk(ctx, db, opts.RangeSet.ID, idx.String(), startDec, endDec)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrClaimContention) {
			return nil, err
		}
		idx.Add(idx, one)
		if idx.Cmp(limit) >= 0 {
			idx.SetInt64(0)
		}
	}
	return nil, fmt.Errorf("picker: range exhausted, no free chunk found")
}

// attemptClaim tries to claim chunk idx, advancing the range-set's cursor
// to idx+1 on success. claimed is false with a nil error on claim
// contention, meaning the caller should keep probing elsewhere.
func attemptClaim(ctx context.Context, db *sql.DB, opts Options, idx *big.Int) (chunk *store.Chunk, claimed bool, err error) {
	startDec, endDec := chunkBounds(opts, idx)
	chunk, err = store.TryInsertChunk(ctx, db, opts.RangeSet.ID, idx.String(), startDec, endDec)
	if err == nil {
		next := new(big.Int).Add(idx, big.NewInt(1))
		if aerr := store.AdvanceNextIndex(ctx, db, opts.RangeSet.ID, next.String()); aerr != nil {
			return nil, false, aerr
		}
		return chunk, true, nil
	}
	if errors.Is(err, store.ErrClaimContention) {
		return nil, false, nil
	}
	return nil, false, err
}

// pickSequential resumes an interrupted chunk if one exists, then either
// jumps via the digit-pattern rules engine or walks the cursor directly —
// orch.py's pick_sequential.
func pickSequential(ctx context.Context, db *sql.DB, opts Options) (*store.Chunk, error) {
	if resumed, err := resumeRunningChunk(ctx, db, opts); err != nil {
		return nil, err
	} else if resumed != nil {
		return resumed, nil
	}

	cur, ok := new(big.Int).SetString(opts.RangeSet.NextIndex, 10)
	if !ok {
		cur = big.NewInt(0)
	}
	maxTries := opts.MaxTries
	if maxTries <= 0 {
		maxTries = 1000
	}

	if opts.RulesJump {
		if c, err := pickSequentialRules(ctx, db, opts, cur, maxTries); err != nil || c != nil {
			return c, err
		}
	}
	return pickSequentialPlain(ctx, db, opts, cur, maxTries)
}

// pickSequentialRules computes the chunk's real decimal start S = min +
// next_index*2^chunk_bits, finds the smallest rules-valid value V >= S in
// the search space [min, max], and maps V back to a chunk index — spec.md
// §4.3 line 92. It attempts that chunk, then bounded-probes forward from
// idx_V+1, advancing next_index on every successful claim. A nil, nil
// return means the rules jump found nothing usable and the caller should
// fall back to the plain cursor walk.
func pickSequentialRules(ctx context.Context, db *sql.DB, opts Options, cur *big.Int, maxTries int) (*store.Chunk, error) {
	min := bigMustDec(opts.RangeSet.MinDec)
	max := bigMustDec(opts.RangeSet.MaxDec)
	size := new(big.Int).Lsh(big.NewInt(1), uint(opts.RangeSet.ChunkBits))

	start := new(big.Int).Add(min, new(big.Int).Mul(size, cur))
	lowerBound := start
	if start.Cmp(min) < 0 {
		lowerBound = min
	}
	v, err := rules.NextValidGE(lowerBound, min, max)
	if err != nil {
		return nil, fmt.Errorf("picker: rules engine: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	idxV := new(big.Int).Div(new(big.Int).Sub(v, min), size)
	if idxV.Cmp(opts.TotalChunks) >= 0 {
		return nil, nil
	}

	probe := new(big.Int).Set(idxV)
	for attempt := 0; attempt < maxTries; attempt++ {
		if probe.Cmp(opts.TotalChunks) >= 0 {
			return nil, nil
		}
		c, claimed, err := attemptClaim(ctx, db, opts, probe)
		if err != nil {
			return nil, err
		}
		if claimed {
			return c, nil
		}
		probe.Add(probe, big.NewInt(1))
	}
	return nil, nil
}

// pickSequentialPlain walks the cursor forward (wrapping at TotalChunks)
// for up to maxTries attempts, then falls back to a full unbounded scan
// that intentionally does not advance next_index — spec.md §9's open
// question: the cursor only moves on a successful claim, never on a
// fallback sweep that merely found somewhere free to work.
func pickSequentialPlain(ctx context.Context, db *sql.DB, opts Options, cur *big.Int, maxTries int) (*store.Chunk, error) {
	idx := new(big.Int).Set(cur)
	for attempt := 0; attempt < maxTries; attempt++ {
		if idx.Cmp(opts.TotalChunks) >= 0 {
			idx.SetInt64(0)
		}
		c, claimed, err := attemptClaim(ctx, db, opts, idx)
		if err != nil {
			return nil, err
		}
		if claimed {
			return c, nil
		}
		idx.Add(idx, big.NewInt(1))
	}
	return linearSweep(ctx, db, opts, idx, opts.TotalChunks)
}

func randomBigInt(limit *big.Int) (*big.Int, error) {
	if limit.Sign() <= 0 {
		return nil, fmt.Errorf("picker: empty range")
	}
	return rand.Int(rand.Reader, limit)
}
