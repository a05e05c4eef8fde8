// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config from defaults, an optional YAML file, and ENV
// overrides, in that order (later sources win).
type Loader struct {
	// Path to the YAML config file; empty means ENV-only.
	Path string
}

// Load builds and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		if err := mergeFile(&cfg, l.Path); err != nil {
			return Config{}, err
		}
	}

	mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays the YAML file onto cfg. A missing file is an error so a
// typoed --config path fails loudly instead of silently running on defaults.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}

	// Decoding into the pre-populated struct keeps defaults for absent keys.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// mergeEnv overlays PIPEARR_* environment variables onto cfg.
func mergeEnv(cfg *Config) {
	cfg.DataDir = ParseString("PIPEARR_DATA_DIR", cfg.DataDir)
	cfg.Listen = ParseString("PIPEARR_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("PIPEARR_LOG_LEVEL", cfg.LogLevel)

	cfg.Database.Driver = ParseString("PIPEARR_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = ParseString("PIPEARR_DB_DSN", cfg.Database.DSN)

	cfg.Redis.Enabled = ParseBool("PIPEARR_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = ParseString("PIPEARR_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("PIPEARR_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("PIPEARR_REDIS_DB", cfg.Redis.DB)

	cfg.Indexer.URL = ParseString("PIPEARR_INDEXER_URL", cfg.Indexer.URL)
	cfg.Indexer.APIKey = ParseString("PIPEARR_INDEXER_API_KEY", cfg.Indexer.APIKey)
	cfg.Indexer.Timeout = ParseDuration("PIPEARR_INDEXER_TIMEOUT", cfg.Indexer.Timeout)
	cfg.Indexer.CacheTTL = ParseDuration("PIPEARR_INDEXER_CACHE_TTL", cfg.Indexer.CacheTTL)
	cfg.Indexer.RatePerMinute = ParseInt("PIPEARR_INDEXER_RATE_PER_MINUTE", cfg.Indexer.RatePerMinute)

	cfg.Torrent.URL = ParseString("PIPEARR_TORRENT_URL", cfg.Torrent.URL)
	cfg.Torrent.Username = ParseString("PIPEARR_TORRENT_USERNAME", cfg.Torrent.Username)
	cfg.Torrent.Password = ParseString("PIPEARR_TORRENT_PASSWORD", cfg.Torrent.Password)
	cfg.Torrent.Category = ParseString("PIPEARR_TORRENT_CATEGORY", cfg.Torrent.Category)
	cfg.Torrent.SavePath = ParseString("PIPEARR_TORRENT_SAVE_PATH", cfg.Torrent.SavePath)
	cfg.Torrent.SessionTTL = ParseDuration("PIPEARR_TORRENT_SESSION_TTL", cfg.Torrent.SessionTTL)

	cfg.Encoder.URL = ParseString("PIPEARR_ENCODER_URL", cfg.Encoder.URL)
	cfg.Encoder.OutputDir = ParseString("PIPEARR_ENCODER_OUTPUT_DIR", cfg.Encoder.OutputDir)
	cfg.Encoder.WallTimeout = ParseDuration("PIPEARR_ENCODER_WALL_TIMEOUT", cfg.Encoder.WallTimeout)
	cfg.Encoder.StallTimeout = ParseDuration("PIPEARR_ENCODER_STALL_TIMEOUT", cfg.Encoder.StallTimeout)

	cfg.Delivery.CleanupAfterDelivery = ParseBool("PIPEARR_DELIVERY_CLEANUP", cfg.Delivery.CleanupAfterDelivery)
	cfg.Delivery.StartRatePerSecond = ParseFloat("PIPEARR_DELIVERY_START_RATE", cfg.Delivery.StartRatePerSecond)

	cfg.Workers.SearchInterval = ParseDuration("PIPEARR_SEARCH_INTERVAL", cfg.Workers.SearchInterval)
	cfg.Workers.DownloadInterval = ParseDuration("PIPEARR_DOWNLOAD_INTERVAL", cfg.Workers.DownloadInterval)
	cfg.Workers.EncodeInterval = ParseDuration("PIPEARR_ENCODE_INTERVAL", cfg.Workers.EncodeInterval)
	cfg.Workers.DeliverInterval = ParseDuration("PIPEARR_DELIVER_INTERVAL", cfg.Workers.DeliverInterval)
	cfg.Workers.RecoveryInterval = ParseDuration("PIPEARR_RECOVERY_INTERVAL", cfg.Workers.RecoveryInterval)
	cfg.Workers.AggregateInterval = ParseDuration("PIPEARR_AGGREGATE_INTERVAL", cfg.Workers.AggregateInterval)
	cfg.Workers.BatchSize = ParseInt("PIPEARR_WORKER_BATCH_SIZE", cfg.Workers.BatchSize)
	cfg.Workers.Concurrency = ParseInt("PIPEARR_WORKER_CONCURRENCY", cfg.Workers.Concurrency)
	cfg.Workers.MaxAttempts = ParseInt("PIPEARR_MAX_ATTEMPTS", cfg.Workers.MaxAttempts)
	cfg.Workers.DownloadWallTimeout = ParseDuration("PIPEARR_DOWNLOAD_WALL_TIMEOUT", cfg.Workers.DownloadWallTimeout)
	cfg.Workers.DownloadStallTimeout = ParseDuration("PIPEARR_DOWNLOAD_STALL_TIMEOUT", cfg.Workers.DownloadStallTimeout)
	cfg.Workers.DiscoveryCooldown = ParseDuration("PIPEARR_DISCOVERY_COOLDOWN", cfg.Workers.DiscoveryCooldown)
	cfg.Workers.ProgressDebounce = ParseDuration("PIPEARR_PROGRESS_DEBOUNCE", cfg.Workers.ProgressDebounce)

	cfg.Telemetry.Enabled = ParseBool("PIPEARR_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("PIPEARR_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.ExporterType = ParseString("PIPEARR_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Environment = ParseString("PIPEARR_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = ParseFloat("PIPEARR_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
