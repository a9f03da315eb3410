package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

type Config struct {
	GRPCAddr        string
	JWTSecret       string
	LedgerBackend   string
	DatabaseURL     string
	SQLitePath      string
	RedisURL        string
	CacheTTL        time.Duration
	NATSURL         string
	NATSReconnects  int
	NATSReconnect   time.Duration
	VideoBackend    string
	VideoCatalog    string // optional YAML file seeded into the catalog at startup
	SessionIdleTTL  time.Duration
	EventsRateLimit int // requests per minute per user on event endpoints
	Engine          engine.Options
}

// FileConfig is the optional YAML overlay named by TRACKER_CONFIG.
type FileConfig struct {
	Ledger struct {
		Backend string `yaml:"backend"`
	} `yaml:"ledger"`
	Videos struct {
		Backend string `yaml:"backend"`
		Catalog string `yaml:"catalog"`
	} `yaml:"videos"`
	Sessions struct {
		IdleTTL string `yaml:"idle_ttl"`
	} `yaml:"sessions"`
	Engine struct {
		SkipThresholdSeconds   *float64 `yaml:"skip_threshold_seconds"`
		LockDurationMs         *int     `yaml:"lock_duration_ms"`
		MaxSkipAttempts        *int     `yaml:"max_skip_attempts"`
		CompletionThresholdPct *float64 `yaml:"completion_threshold_pct"`
		SampleInterval         string   `yaml:"sample_interval"`
		HeartbeatInterval      string   `yaml:"heartbeat_interval"`
		WarningDuration        string   `yaml:"warning_duration"`
	} `yaml:"engine"`
}

var (
	backends      = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "nats": true}
	videoBackends = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
)

// Load reads the tracker configuration. Values come from defaults, then the
// TRACKER_CONFIG file, then the environment.
func Load() (Config, error) {
	cfg := Config{
		GRPCAddr:        ":9090",
		LedgerBackend:   "memory",
		SQLitePath:      "watchproof.db",
		CacheTTL:        24 * time.Hour,
		NATSURL:         "nats://nats:4222",
		NATSReconnects:  5,
		NATSReconnect:   2 * time.Second,
		SessionIdleTTL:  10 * time.Minute,
		EventsRateLimit: 240,
		Engine:          engine.DefaultOptions(),
	}

	if path := strings.TrimSpace(os.Getenv("TRACKER_CONFIG")); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		fc.apply(&cfg)
	}

	cfg.GRPCAddr = envString("GRPC_ADDR", cfg.GRPCAddr)
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	cfg.LedgerBackend = strings.ToLower(envString("LEDGER_BACKEND", cfg.LedgerBackend))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.SQLitePath = envString("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.CacheTTL = envDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.NATSURL = envString("NATS_URL", cfg.NATSURL)
	cfg.NATSReconnects = envInt("NATS_MAX_RECONNECTS", cfg.NATSReconnects)
	cfg.NATSReconnect = envDuration("NATS_RECONNECT_WAIT", cfg.NATSReconnect)
	cfg.VideoBackend = strings.ToLower(envString("VIDEO_BACKEND", cfg.VideoBackend))
	if cfg.VideoBackend == "" {
		cfg.VideoBackend = defaultVideoBackend(cfg.LedgerBackend)
	}
	cfg.VideoCatalog = envString("VIDEO_CATALOG", cfg.VideoCatalog)
	cfg.SessionIdleTTL = envDuration("SESSION_IDLE_TTL", cfg.SessionIdleTTL)
	cfg.EventsRateLimit = envInt("EVENTS_RATE_LIMIT", cfg.EventsRateLimit)

	e := &cfg.Engine
	e.SkipThresholdSeconds = envFloat("SKIP_THRESHOLD_SECONDS", e.SkipThresholdSeconds)
	e.LockDuration = time.Duration(envInt("LOCK_DURATION_MS", int(e.LockDuration.Milliseconds()))) * time.Millisecond
	e.MaxSkipAttempts = envInt("MAX_SKIP_ATTEMPTS", e.MaxSkipAttempts)
	e.CompletionThresholdPct = envFloat("COMPLETION_THRESHOLD_PCT", e.CompletionThresholdPct)
	e.SampleInterval = envDuration("SAMPLE_INTERVAL", e.SampleInterval)
	e.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", e.HeartbeatInterval)
	e.WarningDuration = envDuration("WARNING_DURATION", e.WarningDuration)

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if !backends[cfg.LedgerBackend] {
		return Config{}, fmt.Errorf("LEDGER_BACKEND %q is not one of memory, sqlite, postgres, nats", cfg.LedgerBackend)
	}
	if (cfg.LedgerBackend == "postgres" || cfg.LedgerBackend == "nats") && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required for the %s ledger", cfg.LedgerBackend)
	}
	if !videoBackends[cfg.VideoBackend] {
		return Config{}, fmt.Errorf("VIDEO_BACKEND %q is not one of memory, sqlite, postgres", cfg.VideoBackend)
	}
	if cfg.VideoBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required for the postgres video catalog")
	}
	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, fmt.Errorf("engine options: %w", err)
	}
	return cfg, nil
}

// defaultVideoBackend keeps the catalog next to the ledger. The nats ledger
// reads from Postgres, so its catalog lives there too.
func defaultVideoBackend(ledgerBackend string) string {
	if ledgerBackend == "nats" {
		return "postgres"
	}
	return ledgerBackend
}

// LoadFile parses a YAML overlay. Unknown keys are rejected.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &fc, nil
		}
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fc, nil
}

func (fc *FileConfig) apply(cfg *Config) {
	if b := strings.TrimSpace(fc.Ledger.Backend); b != "" {
		cfg.LedgerBackend = strings.ToLower(b)
	}
	if b := strings.TrimSpace(fc.Videos.Backend); b != "" {
		cfg.VideoBackend = strings.ToLower(b)
	}
	if c := strings.TrimSpace(fc.Videos.Catalog); c != "" {
		cfg.VideoCatalog = c
	}
	cfg.SessionIdleTTL = parseDuration(fc.Sessions.IdleTTL, cfg.SessionIdleTTL)

	e := &cfg.Engine
	if v := fc.Engine.SkipThresholdSeconds; v != nil {
		e.SkipThresholdSeconds = *v
	}
	if v := fc.Engine.LockDurationMs; v != nil {
		e.LockDuration = time.Duration(*v) * time.Millisecond
	}
	if v := fc.Engine.MaxSkipAttempts; v != nil {
		e.MaxSkipAttempts = *v
	}
	if v := fc.Engine.CompletionThresholdPct; v != nil {
		e.CompletionThresholdPct = *v
	}
	e.SampleInterval = parseDuration(fc.Engine.SampleInterval, e.SampleInterval)
	e.HeartbeatInterval = parseDuration(fc.Engine.HeartbeatInterval, e.HeartbeatInterval)
	e.WarningDuration = parseDuration(fc.Engine.WarningDuration, e.WarningDuration)
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), def)
}

func parseDuration(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
