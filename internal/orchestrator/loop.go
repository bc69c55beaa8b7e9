// Package orchestrator implements the claim -> run -> reconcile -> rest
// cycle (spec.md §4.6): a single worker per orchestrator process, with
// multiple orchestrators coordinating only through the shared store's
// uniqueness constraints and lease TTLs — never directly with each other.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rangekeeper/orchestrator/internal/banner"
	"github.com/rangekeeper/orchestrator/internal/config"
	"github.com/rangekeeper/orchestrator/internal/metrics"
	"github.com/rangekeeper/orchestrator/internal/picker"
	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiles"
	"github.com/rangekeeper/orchestrator/internal/worker"
)

// CommandBuilder builds the solver's argv for a claimed chunk. Kept as an
// injected function rather than a hard-coded binary name so tests can
// substitute a fake solver.
type CommandBuilder func(rs *store.RangeSet, chunk *store.Chunk, cfg *config.Config) []string

// Loop owns one process's worth of state: no package-level globals (unlike
// orch.py's module-level _ACTIVE_PGID/_STOP_REQUESTED), so every field
// here is explicit and passed down from main.
type Loop struct {
	Store   *store.Store
	Tiles   *tiles.Manager
	Metrics *metrics.Registry
	Log     *rangelog.Logger
	Banner  *banner.Terminal
	Cfg     *config.Config
	Build   CommandBuilder

	reapLimiter   *rate.Limiter
	stopRequested bool
}

// New wires a Loop from its already-constructed dependencies.
func New(s *store.Store, t *tiles.Manager, m *metrics.Registry, log *rangelog.Logger, b *banner.Terminal, cfg *config.Config, build CommandBuilder) *Loop {
	return &Loop{
		Store:   s,
		Tiles:   t,
		Metrics: m,
		Log:     log,
		Banner:  b,
		Cfg:     cfg,
		Build:   build,
		// one reap sweep per second at most, regardless of --rest=0.
		reapLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// RequestStop marks the loop to exit after the current iteration
// completes, mirroring orch.py's _STOP_REQUESTED signal flag but as
// explicit state instead of a module global.
func (l *Loop) RequestStop() { l.stopRequested = true }

// Run drives iterations until ctx is canceled, --stop is set, or
// --stop-on-found fires after a chunk comes back found.
func (l *Loop) Run(ctx context.Context, rs *store.RangeSet) error {
	for {
		if l.stopRequested || l.Cfg.Stop {
			l.Log.Infow("stop requested, exiting loop")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.reapLimiter.Allow() {
			if n, err := l.Tiles.Reap(ctx); err != nil {
				l.Log.Errorw("reap sweep failed", "err", err)
			} else if n > 0 {
				l.Metrics.TileReaps.Add(float64(n))
			}
		}

		found, err := l.iterate(ctx, rs)
		if err != nil {
			return err
		}
		if found && l.Cfg.StopOnFound {
			l.Log.Infow("found signal received, stopping per --stop-on-found")
			return nil
		}

		rest := time.Duration(l.Cfg.RestSeconds) * time.Second
		if rest > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rest):
			}
		}
	}
}

// iterate performs one claim -> run -> reconcile cycle and reports
// whether the chunk came back found.
func (l *Loop) iterate(ctx context.Context, rs *store.RangeSet) (bool, error) {
	chunk, err := picker.Pick(ctx, l.Store.DB(), l.Cfg.Picker, picker.Options{
		RangeSet:    rs,
		TotalChunks: l.Cfg.TotalChunks,
		RulesJump:   l.Cfg.SequentialRules,
		MaxTries:    l.Cfg.MaxTries,
	})
	if err != nil {
		return false, fmt.Errorf("orchestrator: picking chunk: %w", err)
	}
	l.Metrics.ChunksClaimed.WithLabelValues(l.Cfg.Picker).Inc()

	if err := store.StartChunk(ctx, l.Store.DB(), chunk.ID, l.Cfg.Pubkey, l.Cfg.Threads, l.Cfg.DP, false, l.Cfg.MaxStep, ""); err != nil {
		return false, fmt.Errorf("orchestrator: starting chunk: %w", err)
	}

	claimed, err := l.Tiles.ClaimForChunk(ctx, l.Cfg.Pubkey, chunk.StartDec, chunk.EndDec, rs.ID, chunk.ID)
	if err != nil {
		l.Log.Errorw("claiming tiles failed; restarting chunk from scratch", "chunk_id", chunk.ID, "err", err)
		if _, delErr := l.Store.DB().ExecContext(ctx, `DELETE FROM `+store.TableChunks+` WHERE id=?`, chunk.ID); delErr != nil {
			return false, delErr
		}
		return false, nil
	}
	l.Metrics.TileInserts.Add(float64(len(claimed)))

	runCfg := worker.Config{
		Command:      l.Build(rs, chunk, l.Cfg),
		LeaseRefresh: time.Duration(l.Cfg.LeaseRefreshSeconds) * time.Second,
		OnLeaseTick: func(ctx context.Context) error {
			return l.Tiles.RefreshLeases(ctx, rs.ID, chunk.ID)
		},
		OnProgress: func(p worker.Progress) {
			l.Banner.RepaintLine(fmt.Sprintf("chunk=%s mk/s=%.2f avg=%.2f dead=%d", chunk.ChunkIndex, p.MkSNow, p.MkSAvg, p.Dead))
		},
	}
	result, err := worker.Run(ctx, runCfg, l.Log)
	if err != nil {
		return false, fmt.Errorf("orchestrator: running worker: %w", err)
	}

	return l.reconcile(ctx, rs, chunk, result)
}

// reconcile maps a worker result onto the chunk's terminal status and
// seals its tiling.
func (l *Loop) reconcile(ctx context.Context, rs *store.RangeSet, chunk *store.Chunk, result *worker.Result) (bool, error) {
	var desired string
	sealTiles := true
	found := result.Status == worker.StatusFound
	switch result.Status {
	case worker.StatusFound:
		desired = store.ChunkFound
	case worker.StatusDone:
		desired = store.ChunkDone
	case worker.StatusUserInterrupt:
		l.stopRequested = true
		desired = store.ChunkAborted
		// tiles stay running; their leases expire naturally rather than
		// being sealed, so a resumed run can tell this chunk was cut off
		// mid-flight instead of finishing clean.
		sealTiles = false
	default:
		desired = store.ChunkAborted
	}

	mapped, mapErr := l.Store.MapStatus(ctx, desired)
	if mapErr != nil {
		l.Log.Errorw("chunk status schema mapping miss", "requested", desired, "mapped", mapped, "err", mapErr)
	}

	if err := store.FinishChunk(ctx, l.Store.DB(), chunk.ID, mapped, result.LastMkSNow, result.LastMkSAvg, result.LastDead, result.Output); err != nil {
		return false, err
	}
	if sealTiles {
		if err := l.Tiles.Seal(ctx, rs.ID, chunk.ID, found); err != nil {
			return false, err
		}
	}
	l.Metrics.WorkerOutcomes.WithLabelValues(mapped).Inc()
	return found, nil
}
