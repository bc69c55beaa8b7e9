// Command rangekeeper is the CLI entrypoint implementing spec.md §6's
// flag table: a single orchestrator loop, plus maintenance subcommands
// that run to completion and exit (--summary, --backfill-tiles,
// --compact-tiles).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/rangekeeper/orchestrator/internal/banner"
	"github.com/rangekeeper/orchestrator/internal/config"
	"github.com/rangekeeper/orchestrator/internal/metrics"
	"github.com/rangekeeper/orchestrator/internal/orchestrator"
	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiles"
)

func main() {
	app := &cli.App{
		Name:  "rangekeeper",
		Usage: "durable, crash-safe kangaroo discrete-log search orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Required: true},
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "range-name"},
			&cli.StringFlag{Name: "min-dec"},
			&cli.StringFlag{Name: "max-dec"},
			&cli.IntFlag{Name: "chunk-bits", Value: 48},
			&cli.StringFlag{Name: "pubkey"},
			&cli.IntFlag{Name: "threads", Value: 4},
			&cli.IntFlag{Name: "dp", Value: 20},
			&cli.Float64Flag{Name: "max-step", Value: 1.0},
			&cli.StringFlag{Name: "picker", Value: "random"},
			&cli.BoolFlag{Name: "sequential"}, // deprecated alias for --picker=sequential
			&cli.BoolFlag{Name: "sequential-rules"},
			&cli.IntFlag{Name: "sequential-rules-max-tries", Value: 1000},
			&cli.StringFlag{Name: "tile-levels", Value: "52,48,44,40"},
			&cli.IntFlag{Name: "lease-ttl-s", Value: 900},
			&cli.IntFlag{Name: "lease-refresh-s", Value: 60},
			&cli.IntFlag{Name: "banner-refresh-s", Value: 2},
			&cli.IntFlag{Name: "rest", Value: 2},
			&cli.BoolFlag{Name: "stop"},
			&cli.BoolFlag{Name: "stop-on-found"},
			&cli.BoolFlag{Name: "summary"},
			&cli.BoolFlag{Name: "backfill-tiles"},
			&cli.BoolFlag{Name: "compact-tiles"},
			&cli.BoolFlag{Name: "all"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rangekeeper:", err)
		os.Exit(2)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	logPath := cfg.DBPath + ".log"
	log, err := rangelog.New(rangelog.DefaultOptions(logPath, isatty.IsTerminal(os.Stderr.Fd())))
	if err != nil {
		return fmt.Errorf("rangekeeper: building logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	rs, err := store.UpsertRangeSet(ctx, st.DB(), cfg.RangeName, cfg.MinDec, cfg.MaxDec, cfg.ChunkBits, cfg.All)
	if err != nil {
		return err
	}

	tm, err := tiles.New(st.DB(), cfg.TileLevels, time.Duration(cfg.LeaseTTLSeconds)*time.Second, log)
	if err != nil {
		return err
	}

	switch {
	case cfg.Summary:
		return showSummary(ctx, st, rs)
	case cfg.BackfillTiles:
		n, err := tm.BackfillMissing(ctx, rs.ID)
		if err != nil {
			return err
		}
		fmt.Printf("backfilled %d tiles\n", n)
		return nil
	case cfg.CompactTiles:
		n, err := tm.CompactAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("compacted into %d parent tiles\n", n)
		return nil
	}

	term := banner.New()
	term.PrintIdentity()
	term.Acquire()
	defer term.Release()

	loop := orchestrator.New(st, tm, metrics.New(), log, term, cfg, solverCommand)
	return loop.Run(ctx, rs)
}

func buildConfig(c *cli.Context) (*config.Config, error) {
	fs := afero.NewOsFs()
	fd, err := config.LoadFile(fs, c.String("config"))
	if err != nil {
		return nil, err
	}

	levels, err := config.ParseTileLevels(c.String("tile-levels"))
	if err != nil {
		return nil, err
	}

	picker := c.String("picker")
	if c.Bool("sequential") { // deprecated alias, spec.md §6
		picker = "sequential"
	}

	pubkey := c.String("pubkey")
	if pubkey != "" {
		if err := validatePubkey(pubkey); err != nil {
			return nil, fmt.Errorf("%w: --pubkey: %v", config.ErrInvalidConfig, err)
		}
	}

	cfg := &config.Config{
		DBPath:               c.String("db"),
		RangeName:            c.String("range-name"),
		MinDec:               c.String("min-dec"),
		MaxDec:               c.String("max-dec"),
		ChunkBits:            c.Int("chunk-bits"),
		Pubkey:               pubkey,
		Threads:              c.Int("threads"),
		DP:                   c.Int("dp"),
		MaxStep:              c.Float64("max-step"),
		Picker:               picker,
		SequentialRules:      c.Bool("sequential-rules"),
		MaxTries:             c.Int("sequential-rules-max-tries"),
		TileLevels:           levels,
		LeaseTTLSeconds:      c.Int("lease-ttl-s"),
		LeaseRefreshSeconds:  c.Int("lease-refresh-s"),
		BannerRefreshSeconds: c.Int("banner-refresh-s"),
		RestSeconds:          c.Int("rest"),
		Stop:                 c.Bool("stop"),
		StopOnFound:          c.Bool("stop-on-found"),
		Summary:              c.Bool("summary"),
		BackfillTiles:        c.Bool("backfill-tiles"),
		CompactTiles:         c.Bool("compact-tiles"),
		All:                  c.Bool("all"),
	}
	config.ApplyDefaults(cfg, fd)
	if err := config.Validate(c.Context, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validatePubkey(hexPubkey string) error {
	raw, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	_, err = secp256k1.ParsePubKey(raw)
	return err
}

func solverCommand(rs *store.RangeSet, chunk *store.Chunk, cfg *config.Config) []string {
	return []string{
		"kangaroo-solve",
		"--pubkey", cfg.Pubkey,
		"--start", chunk.StartDec,
		"--end", chunk.EndDec,
		"--threads", fmt.Sprint(cfg.Threads),
		"--dp", fmt.Sprint(cfg.DP),
		"--max-step", fmt.Sprint(cfg.MaxStep),
	}
}

func showSummary(ctx context.Context, st *store.Store, rs *store.RangeSet) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"status", "count"})
	for _, status := range []string{store.ChunkQueued, store.ChunkRunning, store.ChunkDone, store.ChunkFound, store.ChunkAborted} {
		n, err := store.CountByStatus(ctx, st.DB(), rs.ID, status)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{status, n})
	}
	t.Render()
	return nil
}
