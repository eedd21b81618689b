/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backend selection.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
)

// GameDefaults holds venue-standard session parameters applied when a
// session create request omits them. Loaded from an optional YAML file.
type GameDefaults struct {
	CardCount             int    `yaml:"card_count"`
	CardLayout            string `yaml:"card_layout"`
	CardLabelMode         string `yaml:"card_label_mode"`
	RoundCount            int    `yaml:"round_count"`
	RemoveResleeveSeconds int    `yaml:"remove_resleeve_seconds"`
	PlaceVinylSeconds     int    `yaml:"place_vinyl_seconds"`
	CueSeconds            int    `yaml:"cue_seconds"`
	StartSlideSeconds     int    `yaml:"start_slide_seconds"`
	HostBufferSeconds     int    `yaml:"host_buffer_seconds"`
	OutputDelayMS         int    `yaml:"output_delay_ms"`
	RecentCallsLimit      int    `yaml:"recent_calls_limit"`
	RoundEndPolicy        string `yaml:"round_end_policy"`
	TieBreakPolicy        string `yaml:"tie_break_policy"`
	PoolExhaustionPolicy  string `yaml:"pool_exhaustion_policy"`
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	BaseURL       string
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Cache / distributed bus configuration
	CacheEnabled  bool
	BusBackend    BusBackend
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	InstanceID    string

	// Optional venue defaults file (YAML)
	GameDefaultsPath string
	GameDefaults     GameDefaults
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("NEEDLEDROP_ENV", "development"),
		HTTPBind:      getEnv("NEEDLEDROP_HTTP_BIND", "0.0.0.0"),
		HTTPPort:      getEnvInt("NEEDLEDROP_HTTP_PORT", 8080),
		BaseURL:       getEnv("NEEDLEDROP_BASE_URL", ""),
		DBBackend:     DatabaseBackend(getEnv("NEEDLEDROP_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:         getEnv("NEEDLEDROP_DB_DSN", ""),
		JWTSigningKey: getEnv("NEEDLEDROP_JWT_SIGNING_KEY", ""),

		TracingEnabled:    getEnvBool("NEEDLEDROP_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("NEEDLEDROP_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("NEEDLEDROP_TRACING_SAMPLE_RATE", 1.0),

		CacheEnabled:  getEnvBool("NEEDLEDROP_CACHE_ENABLED", false),
		BusBackend:    BusBackend(getEnv("NEEDLEDROP_BUS_BACKEND", string(BusMemory))),
		NATSURL:       getEnv("NEEDLEDROP_NATS_URL", "nats://localhost:4222"),
		RedisAddr:     getEnv("NEEDLEDROP_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("NEEDLEDROP_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("NEEDLEDROP_REDIS_DB", 0),
		InstanceID:    getEnv("NEEDLEDROP_INSTANCE_ID", ""),

		GameDefaultsPath: getEnv("NEEDLEDROP_GAME_DEFAULTS", ""),
		GameDefaults:     DefaultGameDefaults(),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("NEEDLEDROP_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("NEEDLEDROP_JWT_SIGNING_KEY must be provided")
	}

	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusRedis && cfg.BusBackend != BusNATS {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}

	if cfg.GameDefaultsPath != "" {
		if err := loadGameDefaults(cfg.GameDefaultsPath, &cfg.GameDefaults); err != nil {
			return nil, fmt.Errorf("load game defaults: %w", err)
		}
	}

	return cfg, nil
}

// DefaultGameDefaults returns the built-in pacing and card parameters used
// when no venue defaults file overrides them.
func DefaultGameDefaults() GameDefaults {
	return GameDefaults{
		CardCount:             40,
		CardLayout:            "5x5",
		CardLabelMode:         "track_artist",
		RoundCount:            3,
		RemoveResleeveSeconds: 20,
		PlaceVinylSeconds:     8,
		CueSeconds:            12,
		StartSlideSeconds:     5,
		HostBufferSeconds:     2,
		OutputDelayMS:         75,
		RecentCallsLimit:      5,
		RoundEndPolicy:        "open_until_winner",
		TieBreakPolicy:        "one_song_playoff",
		PoolExhaustionPolicy:  "declare_tie",
	}
}

func loadGameDefaults(path string, into *GameDefaults) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
