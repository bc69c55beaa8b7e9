// Package config parses and validates the orchestrator's configuration:
// CLI flags (spec.md §6) layered over an optional TOML defaults file,
// producing a typed Config plus its derived fields (fingerprint, total
// chunk count, tile levels).
package config

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/rangekeeper/orchestrator/internal/bigint"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiling"
)

// ErrInvalidConfig is the sentinel for every validation failure in this
// package (spec.md §7).
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is every --flag from spec.md §6, plus derived fields.
type Config struct {
	DBPath     string
	RangeName  string
	MinDec     string
	MaxDec     string
	ChunkBits  int
	Pubkey     string

	Threads int
	DP      int
	MaxStep float64

	Picker         string // "random" | "sequential" | "entropy"
	SequentialRules bool
	MaxTries       int

	TileLevels []int

	LeaseTTLSeconds     int
	LeaseRefreshSeconds int
	BannerRefreshSeconds int

	RestSeconds int
	Stop        bool
	StopOnFound bool

	Summary       bool
	BackfillTiles bool
	CompactTiles  bool
	All           bool

	// Derived
	Fingerprint string
	TotalChunks *big.Int
}

// FileDefaults is the subset of Config loadable from an optional TOML
// file; CLI flags always win over these when both are present.
type FileDefaults struct {
	DBPath               *string `toml:"db"`
	ChunkBits            *int    `toml:"chunk_bits"`
	Picker               *string `toml:"picker"`
	LeaseTTLSeconds      *int    `toml:"lease_ttl_s"`
	LeaseRefreshSeconds  *int    `toml:"lease_refresh_s"`
	BannerRefreshSeconds *int    `toml:"banner_refresh_s"`
	RestSeconds          *int    `toml:"rest"`
}

// LoadFile reads TOML defaults from fs at path. A missing file is not an
// error — callers pass an empty path or let afero.IsNotExist classify it.
func LoadFile(fs afero.Fs, path string) (*FileDefaults, error) {
	if path == "" {
		return &FileDefaults{}, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileDefaults{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fd FileDefaults
	if err := toml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return &fd, nil
}

// ApplyDefaults fills any zero-valued field in cfg from fd, without
// overriding anything the CLI already set.
func ApplyDefaults(cfg *Config, fd *FileDefaults) {
	if cfg.DBPath == "" && fd.DBPath != nil {
		cfg.DBPath = *fd.DBPath
	}
	if cfg.ChunkBits == 0 && fd.ChunkBits != nil {
		cfg.ChunkBits = *fd.ChunkBits
	}
	if cfg.Picker == "" && fd.Picker != nil {
		cfg.Picker = *fd.Picker
	}
	if cfg.LeaseTTLSeconds == 0 && fd.LeaseTTLSeconds != nil {
		cfg.LeaseTTLSeconds = *fd.LeaseTTLSeconds
	}
	if cfg.LeaseRefreshSeconds == 0 && fd.LeaseRefreshSeconds != nil {
		cfg.LeaseRefreshSeconds = *fd.LeaseRefreshSeconds
	}
	if cfg.BannerRefreshSeconds == 0 && fd.BannerRefreshSeconds != nil {
		cfg.BannerRefreshSeconds = *fd.BannerRefreshSeconds
	}
	if cfg.RestSeconds == 0 && fd.RestSeconds != nil {
		cfg.RestSeconds = *fd.RestSeconds
	}
}

// defaultTileLevels mirrors spec.md §6's --tile-levels default.
var defaultTileLevels = []int{52, 48, 44, 40}

// Validate checks every invariant spec.md §6/§7 requires, computes the
// fingerprint and total-chunk count, and fills in defaults left unset.
func Validate(_ context.Context, cfg *Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("%w: --db is required", ErrInvalidConfig)
	}
	if cfg.ChunkBits == 0 {
		cfg.ChunkBits = 48
	}
	if cfg.ChunkBits <= 0 || cfg.ChunkBits > tiling.MaxLevel {
		return fmt.Errorf("%w: --chunk-bits %d out of range", ErrInvalidConfig, cfg.ChunkBits)
	}

	minN, err := bigint.ParseDecimal(cfg.MinDec)
	if err != nil {
		return fmt.Errorf("%w: --min-dec: %v", ErrInvalidConfig, err)
	}
	maxN, err := bigint.ParseDecimal(cfg.MaxDec)
	if err != nil {
		return fmt.Errorf("%w: --max-dec: %v", ErrInvalidConfig, err)
	}
	if minN.Cmp(maxN) > 0 {
		return fmt.Errorf("%w: --min-dec must be <= --max-dec", ErrInvalidConfig)
	}

	if len(cfg.TileLevels) == 0 {
		cfg.TileLevels = append([]int(nil), defaultTileLevels...)
	}
	prev := -1
	for _, lvl := range cfg.TileLevels {
		if err := tiling.ValidateLevel(lvl); err != nil {
			return fmt.Errorf("%w: --tile-levels: %v", ErrInvalidConfig, err)
		}
		if prev != -1 && lvl >= prev {
			return fmt.Errorf("%w: --tile-levels must be strictly decreasing", ErrInvalidConfig)
		}
		prev = lvl
	}
	if cfg.TileLevels[len(cfg.TileLevels)-1] >= cfg.ChunkBits {
		return fmt.Errorf("%w: finest --tile-levels entry must be below --chunk-bits", ErrInvalidConfig)
	}

	switch cfg.Picker {
	case "":
		cfg.Picker = "random"
	case "random", "sequential", "entropy":
	default:
		return fmt.Errorf("%w: --picker %q unrecognized", ErrInvalidConfig, cfg.Picker)
	}
	if cfg.SequentialRules && cfg.Picker != "sequential" {
		return fmt.Errorf("%w: --sequential-rules requires --picker=sequential", ErrInvalidConfig)
	}

	if cfg.LeaseTTLSeconds < 0 || cfg.LeaseRefreshSeconds < 0 {
		return fmt.Errorf("%w: lease timings must not be negative", ErrInvalidConfig)
	}
	if cfg.LeaseTTLSeconds == 0 {
		cfg.LeaseTTLSeconds = 900
	}
	if cfg.LeaseRefreshSeconds == 0 {
		cfg.LeaseRefreshSeconds = 60
	}
	if cfg.BannerRefreshSeconds == 0 {
		cfg.BannerRefreshSeconds = 2
	}
	if cfg.LeaseRefreshSeconds*2 > cfg.LeaseTTLSeconds {
		return fmt.Errorf("%w: --lease-refresh-s must be at most half of --lease-ttl-s", ErrInvalidConfig)
	}

	cfg.Fingerprint = bigint.Fingerprint(minN, maxN, uint(cfg.ChunkBits))
	cfg.TotalChunks = bigTotalChunks(minN, maxN, cfg.ChunkBits)

	if cfg.RangeName == "" {
		cfg.RangeName = store.AutoRangeSetName(cfg.Pubkey, cfg.MinDec, cfg.MaxDec, cfg.ChunkBits)
	}
	return nil
}

func bigTotalChunks(min, max *big.Int, chunkBits int) *big.Int {
	span := new(big.Int).Add(new(big.Int).Sub(max, min), big.NewInt(1))
	size := new(big.Int).Lsh(big.NewInt(1), uint(chunkBits))
	num := new(big.Int).Add(span, new(big.Int).Sub(size, big.NewInt(1)))
	return new(big.Int).Div(num, size)
}

// ParseTileLevels parses a comma-separated --tile-levels flag value.
func ParseTileLevels(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: --tile-levels value %q: %v", ErrInvalidConfig, part, err)
		}
		out = append(out, n)
	}
	return out, nil
}
