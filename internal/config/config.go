// Package config loads runtime configuration from the environment (with
// optional .env file) and the optional detector-thresholds YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lobscope/lobscope/internal/anomaly"
)

// Config is the full runtime configuration.
type Config struct {
	// HTTP surface.
	HTTPHost string
	HTTPPort int
	LogLevel string

	// Engine routing.
	UsePrimaryEngine  bool
	PrimaryEngineHost string
	PrimaryEnginePort int
	MaxEngineFailures int
	EngineCallTimeout time.Duration

	// Session runtime.
	IngestQueueSize       int
	OutboundQueueSize     int
	BackpressureThreshold int
	DataBufferSize        int
	SessionTimeout        time.Duration
	TickInterval          time.Duration
	SlowTick              time.Duration

	// Analytics.
	RetrainInterval time.Duration
	DedupWindow     time.Duration
	VPINBucket      float64
	Thresholds      anomaly.Thresholds

	// Replay sources.
	DatabaseURL     string
	ReplayTable     string
	ReplayBatchSize int
}

// Load reads the environment (after best-effort .env loading) and the
// thresholds file named by THRESHOLDS_FILE, if any.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPHost: getEnv("HTTP_HOST", "0.0.0.0"),
		HTTPPort: getEnvInt("HTTP_PORT", 8000),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		UsePrimaryEngine:  getEnvBool("USE_PRIMARY_ENGINE", true),
		PrimaryEngineHost: getEnv("PRIMARY_ENGINE_HOST", "localhost"),
		PrimaryEnginePort: getEnvInt("PRIMARY_ENGINE_PORT", 50051),
		MaxEngineFailures: getEnvInt("MAX_ENGINE_FAILURES", 5),
		EngineCallTimeout: getEnvDurationMs("ENGINE_CALL_TIMEOUT_MS", 100),

		IngestQueueSize:       getEnvInt("INGEST_QUEUE_SIZE", 2000),
		OutboundQueueSize:     getEnvInt("OUTBOUND_QUEUE_SIZE", 2000),
		BackpressureThreshold: getEnvInt("BACKPRESSURE_THRESHOLD", 0),
		DataBufferSize:        getEnvInt("DATA_BUFFER_SIZE", 100),
		SessionTimeout:        time.Duration(getEnvInt("SESSION_TIMEOUT_MIN", 30)) * time.Minute,
		TickInterval:          getEnvDurationMs("TICK_INTERVAL_MS", 100),
		SlowTick:              getEnvDurationMs("SLOW_TICK_MS", 100),

		RetrainInterval: time.Duration(getEnvInt("RETRAIN_INTERVAL_S", 10)) * time.Second,
		DedupWindow:     time.Duration(getEnvInt("DEDUP_WINDOW_S", 5)) * time.Second,
		VPINBucket:      getEnvFloat("VPIN_BUCKET_VOLUME", 1000),
		Thresholds:      anomaly.DefaultThresholds(),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		ReplayTable:     getEnv("REPLAY_TABLE", "lob_snapshots"),
		ReplayBatchSize: getEnvInt("REPLAY_BATCH_SIZE", 500),
	}

	// Default watermark is the 75% mark of the ingest queue.
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = cfg.IngestQueueSize * 3 / 4
	}

	if path := getEnv("THRESHOLDS_FILE", ""); path != "" {
		if err := loadThresholds(path, &cfg.Thresholds); err != nil {
			return nil, err
		}
		log.Info().Str("file", path).Msg("detector thresholds loaded")
	}
	return cfg, nil
}

// loadThresholds overlays a YAML file onto the defaults; unnamed fields
// keep their default values.
func loadThresholds(path string, t *anomaly.Thresholds) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parse thresholds file: %w", err)
	}
	t.Normalize()
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float env var, using default")
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid boolean env var, using default")
		return fallback
	}
	return b
}

func getEnvDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
