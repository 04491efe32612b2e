package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.GeneratorMode != "auto" {
		t.Fatalf("GeneratorMode = %q, want %q", cfg.GeneratorMode, "auto")
	}
	if cfg.GeneratorHTTPURL != "" {
		t.Fatalf("GeneratorHTTPURL = %q, want empty default", cfg.GeneratorHTTPURL)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Fatalf("WorkerConcurrency = %d, want 3", cfg.WorkerConcurrency)
	}
	if cfg.WindowLectureBehind != 2 || cfg.WindowLectureAhead != 5 {
		t.Fatalf("lecture window = %d/%d, want 2/5", cfg.WindowLectureBehind, cfg.WindowLectureAhead)
	}
	if cfg.WindowSlidesBehind != 0 || cfg.WindowSlidesAhead != 1 {
		t.Fatalf("slides window = %d/%d, want 0/1", cfg.WindowSlidesBehind, cfg.WindowSlidesAhead)
	}
	if cfg.DeadlineBase != 60*time.Second || cfg.DeadlineMax != 300*time.Second {
		t.Fatalf("deadlines = %s/%s, want 60s/300s", cfg.DeadlineBase, cfg.DeadlineMax)
	}
	if cfg.StatusPollInterval != 5*time.Second {
		t.Fatalf("StatusPollInterval = %s, want 5s", cfg.StatusPollInterval)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("GENERATOR_RATE_PER_SEC", "2.5")
	t.Setenv("SESSION_COMPLETION_GRACE", "0s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("GENERATOR_HTTP_URL", "  http://localhost:7777  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("WorkerConcurrency = %d, want 8", cfg.WorkerConcurrency)
	}
	if cfg.GeneratorRatePerSec != 2.5 {
		t.Fatalf("GeneratorRatePerSec = %v, want 2.5", cfg.GeneratorRatePerSec)
	}
	if cfg.SessionCompletionGrace != 0 {
		t.Fatalf("SessionCompletionGrace = %s, want 0", cfg.SessionCompletionGrace)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.GeneratorHTTPURL != "http://localhost:7777" {
		t.Fatalf("GeneratorHTTPURL = %q, want trimmed value", cfg.GeneratorHTTPURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value, want string
	}{
		"bad duration":     {"DEADLINE_BASE", "soon", "DEADLINE_BASE parse error"},
		"bad int":          {"WORKER_CONCURRENCY", "three", "WORKER_CONCURRENCY parse error"},
		"zero workers":     {"WORKER_CONCURRENCY", "0", "WORKER_CONCURRENCY must be positive"},
		"unknown mode":     {"GENERATOR_MODE", "grpc", "GENERATOR_MODE must be one of"},
		"http without url": {"GENERATOR_MODE", "http", "GENERATOR_HTTP_URL is required"},
		"negative window":  {"WINDOW_SLIDES_AHEAD", "-1", "WINDOW_SLIDES_AHEAD must be >= 0"},
		"bad bool":         {"LOG_DEV", "maybe", "LOG_DEV parse error"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want %q", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_DEV",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REGISTRY_LOCK_TTL",
		"GENERATOR_MODE",
		"GENERATOR_HTTP_URL",
		"GENERATOR_TIMEOUT",
		"WORKER_CONCURRENCY",
		"GENERATOR_RATE_PER_SEC",
		"GENERATOR_RATE_BURST",
		"GENERATION_MAX_ATTEMPTS",
		"DEADLINE_BASE",
		"DEADLINE_PER_IMAGE",
		"DEADLINE_PER_CHUNK",
		"DEADLINE_MAX",
		"WINDOW_LECTURE_BEHIND",
		"WINDOW_LECTURE_AHEAD",
		"WINDOW_SLIDES_BEHIND",
		"WINDOW_SLIDES_AHEAD",
		"SESSION_COMPLETION_GRACE",
		"SESSION_RETENTION",
		"STATUS_POLL_INTERVAL",
		"TRACKER_DEBOUNCE",
		"TRACKER_JUMP_THRESHOLD",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
