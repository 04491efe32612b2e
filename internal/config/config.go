package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the page generation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel string
	LogDev   bool

	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RegistryLockTTL time.Duration

	GeneratorMode    string
	GeneratorHTTPURL string
	GeneratorTimeout time.Duration

	WorkerConcurrency     int
	GeneratorRatePerSec   float64
	GeneratorRateBurst    int
	GenerationMaxAttempts int

	DeadlineBase     time.Duration
	DeadlinePerImage time.Duration
	DeadlinePerChunk time.Duration
	DeadlineMax      time.Duration

	WindowLectureBehind int
	WindowLectureAhead  int
	WindowSlidesBehind  int
	WindowSlidesAhead   int

	SessionCompletionGrace time.Duration
	SessionRetention       time.Duration

	StatusPollInterval   time.Duration
	TrackerDebounce      time.Duration
	TrackerJumpThreshold int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "studentaid"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		GeneratorMode:    envOrDefault("GENERATOR_MODE", "auto"),
		GeneratorHTTPURL: stringsTrimSpace("GENERATOR_HTTP_URL"),

		ShutdownTimeout:  15 * time.Second,
		RegistryLockTTL:  30 * time.Minute,
		GeneratorTimeout: 5 * time.Minute,

		WorkerConcurrency:     3,
		GeneratorRateBurst:    3,
		GenerationMaxAttempts: 2,

		DeadlineBase:     60 * time.Second,
		DeadlinePerImage: 15 * time.Second,
		DeadlinePerChunk: 10 * time.Second,
		DeadlineMax:      300 * time.Second,

		WindowLectureBehind: 2,
		WindowLectureAhead:  5,
		WindowSlidesBehind:  0,
		WindowSlidesAhead:   1,

		SessionCompletionGrace: 30 * time.Second,
		SessionRetention:       10 * time.Minute,

		StatusPollInterval:   5 * time.Second,
		TrackerDebounce:      300 * time.Millisecond,
		TrackerJumpThreshold: 10,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"REGISTRY_LOCK_TTL", &cfg.RegistryLockTTL},
		{"GENERATOR_TIMEOUT", &cfg.GeneratorTimeout},
		{"DEADLINE_BASE", &cfg.DeadlineBase},
		{"DEADLINE_PER_IMAGE", &cfg.DeadlinePerImage},
		{"DEADLINE_PER_CHUNK", &cfg.DeadlinePerChunk},
		{"DEADLINE_MAX", &cfg.DeadlineMax},
		{"SESSION_COMPLETION_GRACE", &cfg.SessionCompletionGrace},
		{"SESSION_RETENTION", &cfg.SessionRetention},
		{"STATUS_POLL_INTERVAL", &cfg.StatusPollInterval},
		{"TRACKER_DEBOUNCE", &cfg.TrackerDebounce},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.RedisDB},
		{"WORKER_CONCURRENCY", &cfg.WorkerConcurrency},
		{"GENERATOR_RATE_BURST", &cfg.GeneratorRateBurst},
		{"GENERATION_MAX_ATTEMPTS", &cfg.GenerationMaxAttempts},
		{"WINDOW_LECTURE_BEHIND", &cfg.WindowLectureBehind},
		{"WINDOW_LECTURE_AHEAD", &cfg.WindowLectureAhead},
		{"WINDOW_SLIDES_BEHIND", &cfg.WindowSlidesBehind},
		{"WINDOW_SLIDES_AHEAD", &cfg.WindowSlidesAhead},
		{"TRACKER_JUMP_THRESHOLD", &cfg.TrackerJumpThreshold},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.GeneratorRatePerSec, err = floatFromEnv("GENERATOR_RATE_PER_SEC", cfg.GeneratorRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDev, err = boolFromEnv("LOG_DEV", cfg.LogDev)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.GeneratorMode) {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("GENERATOR_MODE must be one of auto, http, mock (got %q)", c.GeneratorMode)
	}
	if strings.EqualFold(c.GeneratorMode, "http") && c.GeneratorHTTPURL == "" {
		return fmt.Errorf("GENERATOR_HTTP_URL is required when GENERATOR_MODE=http")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.GeneratorRatePerSec < 0 {
		return fmt.Errorf("GENERATOR_RATE_PER_SEC must be >= 0")
	}
	if c.GeneratorRatePerSec > 0 && c.GeneratorRateBurst <= 0 {
		return fmt.Errorf("GENERATOR_RATE_BURST must be positive when a rate is set")
	}
	if c.GenerationMaxAttempts <= 0 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be positive")
	}
	if c.DeadlineBase <= 0 {
		return fmt.Errorf("DEADLINE_BASE must be positive")
	}
	if c.DeadlineMax < c.DeadlineBase {
		return fmt.Errorf("DEADLINE_MAX must be >= DEADLINE_BASE")
	}
	if c.DeadlinePerImage < 0 || c.DeadlinePerChunk < 0 {
		return fmt.Errorf("DEADLINE_PER_IMAGE and DEADLINE_PER_CHUNK must be >= 0")
	}
	for key, v := range map[string]int{
		"WINDOW_LECTURE_BEHIND": c.WindowLectureBehind,
		"WINDOW_LECTURE_AHEAD":  c.WindowLectureAhead,
		"WINDOW_SLIDES_BEHIND":  c.WindowSlidesBehind,
		"WINDOW_SLIDES_AHEAD":   c.WindowSlidesAhead,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	if c.SessionCompletionGrace < 0 {
		return fmt.Errorf("SESSION_COMPLETION_GRACE must be >= 0")
	}
	if c.SessionRetention < time.Second {
		return fmt.Errorf("SESSION_RETENTION must be at least 1s")
	}
	if c.RegistryLockTTL < time.Minute {
		return fmt.Errorf("REGISTRY_LOCK_TTL must be at least 1m")
	}
	if c.StatusPollInterval <= 0 {
		return fmt.Errorf("STATUS_POLL_INTERVAL must be positive")
	}
	if c.TrackerDebounce <= 0 {
		return fmt.Errorf("TRACKER_DEBOUNCE must be positive")
	}
	if c.TrackerJumpThreshold <= 0 {
		return fmt.Errorf("TRACKER_JUMP_THRESHOLD must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid bool %q", key, v)
	}
}
