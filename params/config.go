package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

type Ledger struct {
	Backend string // pebble | sqlite
	Path    string // pebble directory or sqlite file
}

type Matching struct {
	BookDepth int // price levels per side in book-updated events
	// MarketBuyBufferBps pads the estimated cost locked for a MARKET BUY.
	// 500 = 5%.
	MarketBuyBufferBps int64
	MatchRetries       int // extra settlement attempts per candidate
}

type Settlement struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type Node struct {
	MetricsAddr string // empty disables the metrics endpoint
	EventBuffer int    // per-subscriber notification buffer
	JournalPath string // empty disables the event journal
}

type Config struct {
	Ledger     Ledger
	Matching   Matching
	Settlement Settlement
	Log        Log
	Node       Node
}

func Default() Config {
	return Config{
		Ledger: Ledger{
			Backend: BackendPebble,
			Path:    "data/ledger",
		},
		Matching: Matching{
			BookDepth:          10,
			MarketBuyBufferBps: 500,
			MatchRetries:       1,
		},
		Settlement: Settlement{
			MaxAttempts: 3,
			Backoff:     5 * time.Millisecond,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Node: Node{
			MetricsAddr: ":9100",
			EventBuffer: 1024,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Ledger.Backend = strings.ToLower(getEnv("LEDGER_BACKEND", cfg.Ledger.Backend))
	cfg.Ledger.Path = getEnv("LEDGER_PATH", cfg.Ledger.Path)

	cfg.Matching.BookDepth = getInt("BOOK_DEPTH", cfg.Matching.BookDepth)
	cfg.Matching.MarketBuyBufferBps = int64(getInt("MARKET_BUY_BUFFER_BPS", int(cfg.Matching.MarketBuyBufferBps)))
	cfg.Matching.MatchRetries = getInt("MATCH_RETRIES", cfg.Matching.MatchRetries)

	cfg.Settlement.MaxAttempts = getInt("SETTLEMENT_MAX_ATTEMPTS", cfg.Settlement.MaxAttempts)
	if ms := os.Getenv("SETTLEMENT_BACKOFF_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Settlement.Backoff = time.Duration(v) * time.Millisecond
		}
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getInt("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)

	// METRICS_ADDR may be set to an empty value to disable the endpoint
	if addr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.Node.MetricsAddr = addr
	}
	cfg.Node.EventBuffer = getInt("EVENT_BUFFER", cfg.Node.EventBuffer)
	cfg.Node.JournalPath = getEnv("JOURNAL_PATH", cfg.Node.JournalPath)

	return cfg
}

// Validate rejects settings the daemon cannot run with
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendPebble, BackendSQLite:
	default:
		return fmt.Errorf("LEDGER_BACKEND: unknown backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("LEDGER_PATH: required")
	}
	if c.Matching.BookDepth < 1 {
		return fmt.Errorf("BOOK_DEPTH: must be at least 1, got %d", c.Matching.BookDepth)
	}
	if c.Matching.MarketBuyBufferBps < 0 {
		return fmt.Errorf("MARKET_BUY_BUFFER_BPS: must not be negative, got %d", c.Matching.MarketBuyBufferBps)
	}
	if c.Matching.MatchRetries < 0 {
		return fmt.Errorf("MATCH_RETRIES: must not be negative, got %d", c.Matching.MatchRetries)
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS: must be at least 1, got %d", c.Settlement.MaxAttempts)
	}
	if c.Settlement.Backoff < 0 {
		return fmt.Errorf("SETTLEMENT_BACKOFF_MS: must not be negative")
	}
	if c.Node.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER: must be at least 1, got %d", c.Node.EventBuffer)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt parses an integer variable, keeping the default when unset or malformed
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}
