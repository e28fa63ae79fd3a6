package configs

import (
	"fmt"
	"log/slog"
	"strings"
)

// ConfigError reports an invalid parameter. It is returned before any step
// runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configs: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, a ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, a...)}
}

// Validate checks the parameters against the number of launched workers.
func (p Params) Validate(workers int) error {
	if workers < 1 {
		return invalid("workers", "need at least one worker, got %d", workers)
	}
	if p.Width < 3 {
		return invalid("width", "need at least 3 columns, got %d", p.Width)
	}
	switch p.GhostMargin {
	case 1:
		if p.BandHeight < 1 {
			return invalid("band_height", "need at least 1 row, got %d", p.BandHeight)
		}
	case 0:
		// The first and last rows double as halo slots, so a band needs
		// one updatable row between them.
		if p.BandHeight < 3 {
			return invalid("band_height", "overlapping bands need at least 3 rows, got %d", p.BandHeight)
		}
	default:
		return invalid("ghost_margin", "must be 0 or 1, got %d", p.GhostMargin)
	}
	if workers == 1 && p.GhostMargin == 1 && p.BandHeight < 3 {
		return invalid("band_height", "a single worker needs at least 3 rows, got %d", p.BandHeight)
	}
	if !(p.Alpha > 0 && p.Alpha <= 0.25) {
		return invalid("alpha", "must be in (0, 0.25], got %g", p.Alpha)
	}
	if !(p.Epsilon > 0) {
		return invalid("epsilon", "must be positive, got %g", p.Epsilon)
	}
	if p.MaxSteps < 1 {
		return invalid("max_steps", "must be positive, got %d", p.MaxSteps)
	}
	switch p.Exchange {
	case ExchangeNonBlocking, ExchangeOrdered:
	default:
		return invalid("exchange", "unknown strategy %q", p.Exchange)
	}
	if p.KernelUnits < 0 {
		return invalid("kernel_units", "must not be negative, got %d", p.KernelUnits)
	}
	if p.ExpectWorkers != 0 && p.ExpectWorkers != workers {
		return invalid("expect_workers", "configured for %d workers, launched with %d", p.ExpectWorkers, workers)
	}
	if p.GlobalHeight != 0 {
		if p.GlobalHeight%workers != 0 {
			return invalid("global_height", "%d rows cannot be split evenly across %d workers", p.GlobalHeight, workers)
		}
		if p.GlobalHeight/workers != p.BandHeight {
			return invalid("band_height", "%d rows over %d workers gives bands of %d, configured %d",
				p.GlobalHeight, workers, p.GlobalHeight/workers, p.BandHeight)
		}
	}
	if _, err := ParseLevel(p.LogLevel); err != nil {
		return err
	}
	return nil
}

// Validate checks the parameters against the cluster size and checks the
// node list.
func (c Config) Validate() error {
	if err := c.Params.Validate(c.Workers()); err != nil {
		return err
	}
	seen := make(map[string]int, len(c.Cluster.Nodes))
	for rank, n := range c.Cluster.Nodes {
		if n.Address == "" {
			return invalid("cluster.nodes", "node %d has no address", rank)
		}
		if prev, ok := seen[n.Address]; ok {
			return invalid("cluster.nodes", "nodes %d and %d share address %s", prev, rank, n.Address)
		}
		seen[n.Address] = rank
	}
	return nil
}

// ParseLevel maps a log level name to a slog level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, invalid("log_level", "unknown level %q", name)
}
