// Package runtime replaces the original module-level Redis/Celery app
// globals (original_source/src/celeryapp.py, snowcat/__init__.py's
// process-wide redis connection) with an explicit, constructed context: a
// Runtime value a caller builds, starts, and stops, rather than ambient
// process state every categorizer imported implicitly.
package runtime

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config carries every knob named in spec.md §6. Zero-valued fields fall
// back to DefaultConfig's values at Runtime construction time; per-stage
// overrides live on topology.Stage and themselves fall back to Config.
// FinishedTombstoneTTL is loaded and defaulted but not passed to the
// topology: finalization always writes its tombstone with a 7-day TTL.
type Config struct {
	// BackendDSN is a buntdb file path, or ":memory:" for an ephemeral store.
	BackendDSN string `json:"backend_dsn"`

	LeaseTTL             time.Duration `json:"lease_ttl"`
	CheckpointFrequency  time.Duration `json:"checkpoint_frequency"`
	BufferLength         uint32        `json:"buffer_length"`
	ReArmDelay           time.Duration `json:"re_arm_delay"`
	FinishedTombstoneTTL time.Duration `json:"finished_tombstone_ttl"`

	// DispatchConcurrency sizes the in-process dispatcher's worker pool.
	DispatchConcurrency int `json:"dispatch_concurrency"`

	// CompressionMinSize, when > 0, LZ4-compresses log entries at or above
	// this size (0 disables compression).
	CompressionMinSize int `json:"compression_min_size"`

	// MetricsAddr, when non-empty, is the listen address for the Prometheus
	// /metrics HTTP handler.
	MetricsAddr string `json:"metrics_addr"`
}

// DefaultConfig returns the documented defaults: 1h lease, 60s checkpoint,
// 10-entry buffer, 2s re-arm delay, 7-day finalization tombstone.
func DefaultConfig() Config {
	return Config{
		BackendDSN:           ":memory:",
		LeaseTTL:             time.Hour,
		CheckpointFrequency:  60 * time.Second,
		BufferLength:         10,
		ReArmDelay:           2 * time.Second,
		FinishedTombstoneTTL: 7 * 24 * time.Hour,
		DispatchConcurrency:  4,
	}
}

// LoadConfigFile reads a JSON config file and overlays it onto DefaultConfig;
// fields absent from the file keep their default value.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "runtime: read config file")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "runtime: parse config file")
	}
	return cfg, nil
}
