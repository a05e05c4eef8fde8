// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration with the
// precedence ENV > config file > defaults.
package config

import (
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir  string `yaml:"dataDir"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"logLevel"`

	Database  Database            `yaml:"database"`
	Redis     Redis               `yaml:"redis"`
	Indexer   Indexer             `yaml:"indexer"`
	Torrent   Torrent             `yaml:"torrent"`
	Encoder   Encoder             `yaml:"encoder"`
	Delivery  Delivery            `yaml:"delivery"`
	Servers   []Server            `yaml:"servers"`
	Templates map[string]Template `yaml:"templates"`
	Workers   Workers             `yaml:"workers"`
	Telemetry Telemetry           `yaml:"telemetry"`
}

// Database selects the pipeline store backend.
type Database struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // postgres only; sqlite derives its path from dataDir
}

// Redis enables the shared Redis cache (indexer responses, torrent sessions).
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Indexer configures the release search backend.
type Indexer struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"apiKey"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	RatePerMinute int           `yaml:"ratePerMinute"`
}

// Torrent configures the torrent client connection.
type Torrent struct {
	URL        string        `yaml:"url"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Category   string        `yaml:"category"`
	SavePath   string        `yaml:"savePath"`
	SessionTTL time.Duration `yaml:"sessionTTL"`
}

// Encoder configures the encoder pool connection and local output handling.
type Encoder struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"apiKey"`
	OutputDir    string        `yaml:"outputDir"`
	WallTimeout  time.Duration `yaml:"wallTimeout"`
	StallTimeout time.Duration `yaml:"stallTimeout"`
}

// Delivery holds settings shared by all delivery targets.
type Delivery struct {
	CleanupAfterDelivery bool    `yaml:"cleanupAfterDelivery"`
	StartRatePerSecond   float64 `yaml:"startRatePerSecond"`
}

// Server describes one storage destination.
type Server struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`  // delivery endpoint; empty selects the filesystem transport
	Root        string `yaml:"root"` // media root on the server
	Concurrency int    `yaml:"concurrency"`
	ProfileID   string `yaml:"profileId"`
}

// Workers tunes the stage workers and the scheduler.
type Workers struct {
	SearchInterval    time.Duration `yaml:"searchInterval"`
	DownloadInterval  time.Duration `yaml:"downloadInterval"`
	EncodeInterval    time.Duration `yaml:"encodeInterval"`
	DeliverInterval   time.Duration `yaml:"deliverInterval"`
	RecoveryInterval  time.Duration `yaml:"recoveryInterval"`
	AggregateInterval time.Duration `yaml:"aggregateInterval"`

	BatchSize   int `yaml:"batchSize"`
	Concurrency int `yaml:"concurrency"`
	MaxAttempts int `yaml:"maxAttempts"`

	DownloadWallTimeout  time.Duration `yaml:"downloadWallTimeout"`
	DownloadStallTimeout time.Duration `yaml:"downloadStallTimeout"`
	DiscoveryCooldown    time.Duration `yaml:"discoveryCooldown"`
	ProgressDebounce     time.Duration `yaml:"progressDebounce"`
}

// Telemetry configures OpenTelemetry tracing.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ExporterType string  `yaml:"exporterType"` // "grpc" or "http"
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns the built-in defaults applied before file and ENV overrides.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/pipearr",
		Listen:   ":8787",
		LogLevel: "info",
		Database: Database{Driver: "sqlite"},
		Indexer: Indexer{
			Timeout:       30 * time.Second,
			CacheTTL:      5 * time.Minute,
			RatePerMinute: 60,
		},
		Torrent: Torrent{
			Category:   "pipearr",
			SessionTTL: 30 * time.Minute,
		},
		Encoder: Encoder{
			WallTimeout:  12 * time.Hour,
			StallTimeout: 10 * time.Minute,
		},
		Delivery: Delivery{
			StartRatePerSecond: 1,
		},
		Templates: map[string]Template{
			"default": DefaultTemplate(),
		},
		Workers: Workers{
			SearchInterval:       30 * time.Second,
			DownloadInterval:     15 * time.Second,
			EncodeInterval:       15 * time.Second,
			DeliverInterval:      60 * time.Second,
			RecoveryInterval:     10 * time.Minute,
			AggregateInterval:    30 * time.Second,
			BatchSize:            20,
			Concurrency:          3,
			MaxAttempts:          5,
			DownloadWallTimeout:  24 * time.Hour,
			DownloadStallTimeout: 10 * time.Minute,
			DiscoveryCooldown:    6 * time.Hour,
			ProgressDebounce:     30 * time.Second,
		},
		Telemetry: Telemetry{
			ExporterType: "grpc",
			Environment:  "production",
			SamplingRate: 0.1,
		},
	}
}

// ServerByID returns the server record for id, or false when unknown.
func (c Config) ServerByID(id string) (Server, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// Template returns the named pipeline template, falling back to "default".
func (c Config) Template(name string) Template {
	if name != "" {
		if t, ok := c.Templates[name]; ok {
			return t
		}
	}
	if t, ok := c.Templates["default"]; ok {
		return t
	}
	return DefaultTemplate()
}
