package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/bubbles/internal/color"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/recorder"
	"github.com/manpreetbhatti/bubbles/internal/ws"
)

type Config struct {
	HTTPAddr  string
	DBPath    string
	LogLevel  string
	LogFormat string

	MaxPending         int
	ContainerLimit     int
	ColorMinStep       int
	ColorStepDecrement int

	EventsPerSecond   float64
	EventBurst        int
	ConnectsPerMinute int

	StatsFlushInterval time.Duration
	SessionRetention   time.Duration

	CORSAllow []string

	// TLS is served when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; malformed ones are an error.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":4444"),
		DBPath:      getEnv("DB_PATH", "./data/bubbles.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		CORSAllow:   splitCSV(getEnv("CORS_ALLOW", "*")),
		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
	}

	var err error
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"MAX_PENDING", 2048, &cfg.MaxPending},
		{"CONTAINER_LIMIT", 1024, &cfg.ContainerLimit},
		{"COLOR_MIN_STEP", 17, &cfg.ColorMinStep},
		{"COLOR_STEP_DECREMENT", 17, &cfg.ColorStepDecrement},
		{"EVENT_BURST", 400, &cfg.EventBurst},
		{"CONNECTS_PER_MINUTE", 60, &cfg.ConnectsPerMinute},
	}
	for _, v := range ints {
		if *v.dst, err = getEnvInt(v.key, v.def); err != nil {
			return Config{}, err
		}
	}

	if cfg.EventsPerSecond, err = getEnvFloat("EVENTS_PER_SECOND", 200); err != nil {
		return Config{}, err
	}
	if cfg.StatsFlushInterval, err = getEnvDuration("STATS_FLUSH_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = getEnvDuration("SESSION_RETENTION", 7*24*time.Hour); err != nil {
		return Config{}, err
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.StatsFlushInterval <= 0 {
		return Config{}, fmt.Errorf("config: STATS_FLUSH_INTERVAL must be positive")
	}
	if err := cfg.Engine().Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) TLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c Config) Engine() engine.Config {
	return engine.Config{
		MaxPending:     c.MaxPending,
		ContainerLimit: c.ContainerLimit,
		Colors: color.Config{
			InitialStep:   color.DefaultConfig().InitialStep,
			StepDecrement: uint32(c.ColorStepDecrement),
			MinStep:       uint32(c.ColorMinStep),
		},
	}
}

func (c Config) Transport() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.EventsPerSecond = c.EventsPerSecond
	cfg.EventBurst = c.EventBurst
	cfg.ConnectsPerMinute = c.ConnectsPerMinute
	return cfg
}

func (c Config) Recorder() recorder.Config {
	cfg := recorder.DefaultConfig()
	cfg.FlushInterval = c.StatsFlushInterval
	cfg.Retention = c.SessionRetention
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", k, v)
	}
	return i, nil
}

func getEnvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive number, got %q", k, v)
	}
	return f, nil
}

func getEnvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return d, nil
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
