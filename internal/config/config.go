// Package config loads and validates the capture service settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all capture service configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Capture set
	Symbols         string `env:"SYMBOLS" envDefault:"btcusdt,ethusdt"` // comma-separated, case-insensitive
	SaveIntervalMin int    `env:"SAVE_INTERVAL_MIN" envDefault:"30"`    // bucket length in minutes
	LOBDir          string `env:"LOB_DIR" envDefault:"./data"`

	// Upstream WebSocket. WS_URL is the base endpoint (scheme://host:port);
	// the /stream?streams=… path is composed from SYMBOLS at dial time.
	// WS_BACKUP_URL, when set, is dialed by every other connection the
	// hot-swap coordinator spawns; empty means reuse WS_URL.
	WSURL          string  `env:"WS_URL" envDefault:"wss://stream.binance.com:9443"`
	WSBackupURL    string  `env:"WS_BACKUP_URL"`
	WSPingInterval float64 `env:"WS_PING_INTERVAL" envDefault:"20"` // seconds
	WSPingTimeout  float64 `env:"WS_PING_TIMEOUT" envDefault:"10"`  // seconds

	// Reconnect backoff: sleep min(BASE_BACKOFF·2^retry, MAX_BACKOFF)
	// plus up to one second of jitter; once retry exceeds
	// RESET_CYCLE_AFTER it falls back to RESET_BACKOFF_LEVEL.
	BaseBackoff       float64 `env:"BASE_BACKOFF" envDefault:"1"`  // seconds
	MaxBackoff        float64 `env:"MAX_BACKOFF" envDefault:"64"`  // seconds
	ResetCycleAfter   int     `env:"RESET_CYCLE_AFTER" envDefault:"10"`
	ResetBackoffLevel int     `env:"RESET_BACKOFF_LEVEL" envDefault:"3"`

	// Queues and latency windows
	SnapshotsQueueMax int `env:"SNAPSHOTS_QUEUE_MAX" envDefault:"100"`
	LatencyDequeSize  int `env:"LATENCY_DEQUE_SIZE" envDefault:"10"`

	// Scheduled connection replacement
	HotswapPeriodHrs     float64 `env:"HOTSWAP_PERIOD_HRS" envDefault:"12"`
	HotswapReadyAheadSec float64 `env:"HOTSWAP_READY_AHEAD_SEC" envDefault:"90"`

	// Day-merge worker pool
	MergeWorkers   int `env:"MERGE_WORKERS" envDefault:"2"`
	MergeQueueSize int `env:"MERGE_QUEUE_SIZE" envDefault:"32"`

	// Live relay (optional; empty NATS_URL disables it)
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"lob.depth"`

	// Ops surface (empty OPS_ADDR disables it)
	OpsAddr         string        `env:"OPS_ADDR" envDefault:":9123"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Ladder monotonicity check on every accepted snapshot
	BookSanityCheck bool `env:"BOOK_SANITY_CHECK" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// envFile names an alternate .env path; empty means ./.env. Optional
// logger for structured logging; if nil, logs to stdout.
func LoadConfig(envFile string, logger *zerolog.Logger) (*Config, error) {
	var loadErr error
	if envFile != "" {
		loadErr = godotenv.Load(envFile)
	} else {
		loadErr = godotenv.Load()
	}
	if loadErr != nil {
		// Only log, don't fail - production runs on environment variables alone
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	// Parse environment variables into struct
	// This validates types and applies defaults
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// SymbolList returns the configured symbols lower-cased, trimmed, and
// de-duplicated, preserving first-seen order.
func (c *Config) SymbolList() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		sym := strings.ToLower(strings.TrimSpace(p))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// PingInterval returns WS_PING_INTERVAL as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WSPingInterval * float64(time.Second))
}

// PingTimeout returns WS_PING_TIMEOUT as a duration.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.WSPingTimeout * float64(time.Second))
}

// BaseBackoffDur returns BASE_BACKOFF as a duration.
func (c *Config) BaseBackoffDur() time.Duration {
	return time.Duration(c.BaseBackoff * float64(time.Second))
}

// MaxBackoffDur returns MAX_BACKOFF as a duration.
func (c *Config) MaxBackoffDur() time.Duration {
	return time.Duration(c.MaxBackoff * float64(time.Second))
}

// HotswapPeriod returns HOTSWAP_PERIOD_HRS as a duration.
func (c *Config) HotswapPeriod() time.Duration {
	return time.Duration(c.HotswapPeriodHrs * float64(time.Hour))
}

// HotswapReadyAhead returns HOTSWAP_READY_AHEAD_SEC as a duration.
func (c *Config) HotswapReadyAhead() time.Duration {
	return time.Duration(c.HotswapReadyAheadSec * float64(time.Second))
}

// BackupURL returns the endpoint for alternate connections, falling
// back to the primary when no backup is configured.
func (c *Config) BackupURL() string {
	if c.WSBackupURL != "" {
		return c.WSBackupURL
	}
	return c.WSURL
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if len(c.SymbolList()) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol, got %q", c.Symbols)
	}
	if c.SaveIntervalMin < 1 || c.SaveIntervalMin > 1440 {
		return fmt.Errorf("SAVE_INTERVAL_MIN must be 1-1440 minutes, got %d", c.SaveIntervalMin)
	}
	if c.LOBDir == "" {
		return fmt.Errorf("LOB_DIR is required")
	}

	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("WS_URL must start with ws:// or wss://, got %q", c.WSURL)
	}
	if c.WSBackupURL != "" && !strings.HasPrefix(c.WSBackupURL, "ws://") && !strings.HasPrefix(c.WSBackupURL, "wss://") {
		return fmt.Errorf("WS_BACKUP_URL must start with ws:// or wss://, got %q", c.WSBackupURL)
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be > 0 seconds, got %.1f", c.WSPingInterval)
	}
	if c.WSPingTimeout <= 0 {
		return fmt.Errorf("WS_PING_TIMEOUT must be > 0 seconds, got %.1f", c.WSPingTimeout)
	}

	if c.BaseBackoff <= 0 {
		return fmt.Errorf("BASE_BACKOFF must be > 0 seconds, got %.2f", c.BaseBackoff)
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("MAX_BACKOFF (%.1f) must be >= BASE_BACKOFF (%.1f)", c.MaxBackoff, c.BaseBackoff)
	}
	if c.ResetCycleAfter < 1 {
		return fmt.Errorf("RESET_CYCLE_AFTER must be >= 1, got %d", c.ResetCycleAfter)
	}
	if c.ResetBackoffLevel < 0 {
		return fmt.Errorf("RESET_BACKOFF_LEVEL must be >= 0, got %d", c.ResetBackoffLevel)
	}

	if c.SnapshotsQueueMax < 1 {
		return fmt.Errorf("SNAPSHOTS_QUEUE_MAX must be > 0, got %d", c.SnapshotsQueueMax)
	}
	if c.LatencyDequeSize < 1 {
		return fmt.Errorf("LATENCY_DEQUE_SIZE must be > 0, got %d", c.LatencyDequeSize)
	}

	if c.HotswapPeriodHrs <= 0 {
		return fmt.Errorf("HOTSWAP_PERIOD_HRS must be > 0, got %.2f", c.HotswapPeriodHrs)
	}
	if c.HotswapReadyAheadSec < 0 {
		return fmt.Errorf("HOTSWAP_READY_AHEAD_SEC must be >= 0, got %.1f", c.HotswapReadyAheadSec)
	}
	if c.HotswapReadyAhead() >= c.HotswapPeriod() {
		return fmt.Errorf("HOTSWAP_READY_AHEAD_SEC (%.0f) must be smaller than HOTSWAP_PERIOD_HRS (%.2f hours)",
			c.HotswapReadyAheadSec, c.HotswapPeriodHrs)
	}

	if c.MergeWorkers < 1 {
		return fmt.Errorf("MERGE_WORKERS must be > 0, got %d", c.MergeWorkers)
	}
	if c.MergeQueueSize < 1 {
		return fmt.Errorf("MERGE_QUEUE_SIZE must be > 0, got %d", c.MergeQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Capture Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Symbols:         %s\n", strings.Join(c.SymbolList(), ", "))
	fmt.Printf("Save Interval:   %d min\n", c.SaveIntervalMin)
	fmt.Printf("Data Directory:  %s\n", c.LOBDir)
	fmt.Println("\n=== Upstream ===")
	fmt.Printf("Endpoint:        %s\n", c.WSURL)
	if c.WSBackupURL != "" {
		fmt.Printf("Backup Endpoint: %s\n", c.WSBackupURL)
	}
	fmt.Printf("Ping Interval:   %.0fs\n", c.WSPingInterval)
	fmt.Printf("Ping Timeout:    %.0fs\n", c.WSPingTimeout)
	fmt.Printf("Backoff:         %.1fs base, %.1fs cap, reset to %d after %d\n",
		c.BaseBackoff, c.MaxBackoff, c.ResetBackoffLevel, c.ResetCycleAfter)
	fmt.Printf("Hot Swap:        every %.1fh, ready %.0fs ahead\n", c.HotswapPeriodHrs, c.HotswapReadyAheadSec)
	fmt.Println("\n=== Pipeline ===")
	fmt.Printf("Queue Capacity:  %d\n", c.SnapshotsQueueMax)
	fmt.Printf("Latency Window:  %d samples\n", c.LatencyDequeSize)
	fmt.Printf("Merge Pool:      %d workers, queue %d\n", c.MergeWorkers, c.MergeQueueSize)
	fmt.Printf("Sanity Check:    %t\n", c.BookSanityCheck)
	fmt.Println("\n=== Integrations ===")
	if c.NATSURL != "" {
		fmt.Printf("Relay:           %s (prefix %s)\n", c.NATSURL, c.NATSSubjectPrefix)
	} else {
		fmt.Println("Relay:           disabled")
	}
	if c.OpsAddr != "" {
		fmt.Printf("Ops Server:      %s\n", c.OpsAddr)
	} else {
		fmt.Println("Ops Server:      disabled")
	}
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Strs("symbols", c.SymbolList()).
		Int("save_interval_min", c.SaveIntervalMin).
		Str("lob_dir", c.LOBDir).
		Str("ws_url", c.WSURL).
		Str("ws_backup_url", c.WSBackupURL).
		Float64("ping_interval_sec", c.WSPingInterval).
		Float64("ping_timeout_sec", c.WSPingTimeout).
		Float64("base_backoff_sec", c.BaseBackoff).
		Float64("max_backoff_sec", c.MaxBackoff).
		Int("reset_cycle_after", c.ResetCycleAfter).
		Int("reset_backoff_level", c.ResetBackoffLevel).
		Int("snapshots_queue_max", c.SnapshotsQueueMax).
		Int("latency_deque_size", c.LatencyDequeSize).
		Float64("hotswap_period_hrs", c.HotswapPeriodHrs).
		Float64("hotswap_ready_ahead_sec", c.HotswapReadyAheadSec).
		Int("merge_workers", c.MergeWorkers).
		Int("merge_queue_size", c.MergeQueueSize).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Str("ops_addr", c.OpsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Bool("book_sanity_check", c.BookSanityCheck).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Capture configuration loaded")
}
