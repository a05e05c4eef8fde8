// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Indexer.URL = "http://indexer.local/api"
	cfg.Torrent.URL = "http://qbt.local:8080"
	cfg.Encoder.URL = "http://encoders.local:9090"
	cfg.Servers = []Server{{ID: "nas-1", Root: "/srv/media"}}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Indexer.URL = ""
	cfg.Torrent.URL = ""
	cfg.Servers = nil

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "indexer.url")
	assert.Contains(t, err.Error(), "torrent.url")
	assert.Contains(t, err.Error(), "delivery server")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "mysql"
	require.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "postgres"
	require.ErrorIs(t, Validate(cfg), ErrInvalidConfig)

	cfg.Database.DSN = "postgres://pipearr@localhost/pipearr"
	require.NoError(t, Validate(cfg))
}

func TestValidateDuplicateServerIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Servers = append(cfg.Servers, Server{ID: "nas-1", Root: "/srv/other"})

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "duplicate server id")
}

func TestValidateTelemetry(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""
	require.ErrorIs(t, Validate(cfg), ErrInvalidConfig)

	cfg.Telemetry.Endpoint = "localhost:4317"
	cfg.Telemetry.ExporterType = "grpc"
	cfg.Telemetry.SamplingRate = 0.5
	require.NoError(t, Validate(cfg))
}
