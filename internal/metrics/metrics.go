// Package metrics keeps a small in-process prometheus registry of counters
// and gauges for orchestrator activity. It is never served over HTTP — the
// spec's "no network I/O" Non-goal rules out a /metrics endpoint, so
// Snapshot() is the only reader; nothing in the orchestrator calls it, so
// the values appear in neither the exit summary nor the log (spec.md
// SPEC_FULL §4.9).
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds the orchestrator's counters/gauges. TileSteals and
// TilesRunning are registered but nothing updates them.
type Registry struct {
	reg *prometheus.Registry

	ChunksClaimed   *prometheus.CounterVec // by policy
	TileInserts     prometheus.Counter
	TileSteals      prometheus.Counter
	TileReaps       prometheus.Counter
	WorkerOutcomes  *prometheus.CounterVec // by outcome
	TilesRunning    prometheus.Gauge
}

// New builds a fresh, unregistered-elsewhere Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		ChunksClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangekeeper_chunks_claimed_total",
			Help: "Chunks successfully claimed, by picker policy.",
		}, []string{"policy"}),
		TileInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangekeeper_tile_inserts_total",
			Help: "Fresh tile claims inserted.",
		}),
		TileSteals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangekeeper_tile_steals_total",
			Help: "Tile claims stolen from an expired lease.",
		}),
		TileReaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangekeeper_tile_reaps_total",
			Help: "Expired tile leases reaped.",
		}),
		WorkerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangekeeper_worker_outcomes_total",
			Help: "Solver subprocess outcomes, by status.",
		}, []string{"status"}),
		TilesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangekeeper_tiles_running",
			Help: "Tiles currently leased as running.",
		}),
	}
	reg.MustRegister(r.ChunksClaimed, r.TileInserts, r.TileSteals, r.TileReaps, r.WorkerOutcomes, r.TilesRunning)
	return r
}

// Snapshot renders every metric family as plain text lines, suitable for
// the exit summary or a debug-log entry. It never opens a network
// listener.
func (r *Registry) Snapshot() ([]string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gathering: %w", err)
	}
	var lines []string
	for _, f := range families {
		for _, m := range f.GetMetric() {
			lines = append(lines, formatMetric(f.GetName(), m))
		}
	}
	return lines, nil
}

func formatMetric(name string, m *dto.Metric) string {
	labels := ""
	for _, lp := range m.GetLabel() {
		labels += fmt.Sprintf("%s=%s ", lp.GetName(), lp.GetValue())
	}
	var value float64
	switch {
	case m.Counter != nil:
		value = m.GetCounter().GetValue()
	case m.Gauge != nil:
		value = m.GetGauge().GetValue()
	}
	return fmt.Sprintf("%s %s%.0f", name, labels, value)
}
