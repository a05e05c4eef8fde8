// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for consistency. It collects all
// violations instead of stopping at the first one.
func Validate(cfg Config) error {
	var problems []string

	if cfg.DataDir == "" {
		problems = append(problems, "dataDir must not be empty")
	}
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported (sqlite, postgres)", cfg.Database.Driver))
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when redis is enabled")
	}

	if cfg.Indexer.URL == "" {
		problems = append(problems, "indexer.url must not be empty")
	}
	if cfg.Torrent.URL == "" {
		problems = append(problems, "torrent.url must not be empty")
	}
	if cfg.Encoder.URL == "" {
		problems = append(problems, "encoder.url must not be empty")
	}

	if len(cfg.Servers) == 0 {
		problems = append(problems, "at least one delivery server is required")
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("servers[%d].id must not be empty", i))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("duplicate server id %q", s.ID))
		}
		seen[s.ID] = true
		if s.Root == "" {
			problems = append(problems, fmt.Sprintf("servers[%d].root must not be empty", i))
		}
		if s.Concurrency < 0 {
			problems = append(problems, fmt.Sprintf("servers[%d].concurrency must not be negative", i))
		}
	}

	if cfg.Workers.BatchSize <= 0 {
		problems = append(problems, "workers.batchSize must be positive")
	}
	if cfg.Workers.Concurrency <= 0 {
		problems = append(problems, "workers.concurrency must be positive")
	}
	if cfg.Workers.MaxAttempts <= 0 {
		problems = append(problems, "workers.maxAttempts must be positive")
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			problems = append(problems, "telemetry.endpoint is required when telemetry is enabled")
		}
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			problems = append(problems, fmt.Sprintf("telemetry.exporterType %q is not supported (grpc, http)", cfg.Telemetry.ExporterType))
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			problems = append(problems, "telemetry.samplingRate must be between 0 and 1")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveConcurrency returns the per-server delivery concurrency,
// defaulting to 3 when the server record leaves it unset.
func (s Server) EffectiveConcurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return 3
}
