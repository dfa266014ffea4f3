package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"PA_LAMBDA_SAMPLE_RATE", "PA_LAMBDA_CHANNELS", "PA_LAMBDA_BITS",
	"PA_LAMBDA_BUFFER_SIZE", "PA_LAMBDA_CONFIG_DIR",
	"STEMSTREAM_QUEUE_CAPACITY", "STEMSTREAM_LISTEN_ADDR", "STEMSTREAM_LOG_LEVEL",
	"STEMSTREAM_WATCH_INTERVAL", "STEMSTREAM_STATS_INTERVAL", "STEMSTREAM_MODEL_URL",
	"STEMSTREAM_CAPTURE_PATH",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them.
func clearEnv(t *testing.T) {
	for _, k := range envVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	if cfg.SampleRate != 44100 || cfg.Channels != 2 || cfg.BitDepth != 16 {
		t.Errorf("format = %d/%d/%d, want 44100/2/16", cfg.SampleRate, cfg.Channels, cfg.BitDepth)
	}
	if cfg.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want 1024", cfg.BufferSize)
	}
	if filepath.Base(cfg.ConfigDir) != "pulseaudio-lambda" {
		t.Errorf("ConfigDir = %q, want .../pulseaudio-lambda", cfg.ConfigDir)
	}
	if cfg.QueueCapacity != 8 {
		t.Errorf("QueueCapacity = %d, want 8", cfg.QueueCapacity)
	}
	if cfg.ListenAddr != "" {
		t.Errorf("ListenAddr = %q, want disabled", cfg.ListenAddr)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want INFO", cfg.Level())
	}
	if cfg.WatchInterval != 500*time.Millisecond {
		t.Errorf("WatchInterval = %v, want 500ms", cfg.WatchInterval)
	}
	if cfg.StatsInterval != time.Second {
		t.Errorf("StatsInterval = %v, want 1s", cfg.StatsInterval)
	}
	if cfg.ModelURL != "" {
		t.Errorf("ModelURL = %q, want empty", cfg.ModelURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PA_LAMBDA_SAMPLE_RATE", "48000")
	t.Setenv("PA_LAMBDA_CHANNELS", "1")
	t.Setenv("PA_LAMBDA_BITS", "32")
	t.Setenv("PA_LAMBDA_BUFFER_SIZE", "512")
	t.Setenv("PA_LAMBDA_CONFIG_DIR", "/tmp/pal")
	t.Setenv("STEMSTREAM_QUEUE_CAPACITY", "3")
	t.Setenv("STEMSTREAM_LISTEN_ADDR", ":9090")
	t.Setenv("STEMSTREAM_LOG_LEVEL", "DEBUG")
	t.Setenv("STEMSTREAM_WATCH_INTERVAL", "100ms")
	t.Setenv("STEMSTREAM_STATS_INTERVAL", "5s")
	t.Setenv("STEMSTREAM_MODEL_URL", "http://gpu:8000")
	t.Setenv("STEMSTREAM_CAPTURE_PATH", "/tmp/out.wav")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := cfg.SampleSpec().String(); cfg.SampleRate != 48000 || cfg.Channels != 1 || cfg.BitDepth != 32 {
		t.Errorf("spec = %s", got)
	}
	if cfg.BufferSize != 512 || cfg.QueueCapacity != 3 {
		t.Errorf("BufferSize/QueueCapacity = %d/%d", cfg.BufferSize, cfg.QueueCapacity)
	}
	if cfg.LiveConfigPath() != "/tmp/pal/stream_separator_config.json" {
		t.Errorf("LiveConfigPath = %q", cfg.LiveConfigPath())
	}
	if cfg.StatsPath() != "/tmp/pal/stream_separator_stats.json" {
		t.Errorf("StatsPath = %q", cfg.StatsPath())
	}
	if cfg.ListenAddr != ":9090" || cfg.ModelURL != "http://gpu:8000" {
		t.Errorf("ListenAddr/ModelURL = %q/%q", cfg.ListenAddr, cfg.ModelURL)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want DEBUG", cfg.Level())
	}
	if cfg.CapturePath != "/tmp/out.wav" {
		t.Errorf("CapturePath = %q", cfg.CapturePath)
	}
	if cfg.WatchInterval != 100*time.Millisecond || cfg.StatsInterval != 5*time.Second {
		t.Errorf("intervals = %v/%v", cfg.WatchInterval, cfg.StatsInterval)
	}
}

func TestEnvInvalidFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PA_LAMBDA_SAMPLE_RATE", "not-a-number")
	t.Setenv("STEMSTREAM_WATCH_INTERVAL", "soon")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SampleRate != 44100 {
		t.Errorf("invalid int env should fall back to default: got %d", cfg.SampleRate)
	}
	if cfg.WatchInterval != 500*time.Millisecond {
		t.Errorf("invalid duration env should fall back to default: got %v", cfg.WatchInterval)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	data := "sample_rate: 22050\nlisten_addr: 127.0.0.1:8081\nwatch_interval: 250ms\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STEMSTREAM_LISTEN_ADDR", ":7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want file value", cfg.SampleRate)
	}
	if cfg.WatchInterval != 250*time.Millisecond {
		t.Errorf("WatchInterval = %v, want file value", cfg.WatchInterval)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, env should override file", cfg.ListenAddr)
	}
	if cfg.Channels != 2 {
		t.Errorf("Channels = %d, want default kept", cfg.Channels)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	os.WriteFile(unknown, []byte("sample_rat: 1\n"), 0o644)
	if _, err := Load(unknown); err == nil {
		t.Error("unknown key accepted")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, nil, 0o644)
	if _, err := Load(empty); err != nil {
		t.Errorf("empty file rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"bit depth", func(s *Settings) { s.BitDepth = 24 }},
		{"channels", func(s *Settings) { s.Channels = 0 }},
		{"sample rate", func(s *Settings) { s.SampleRate = -1 }},
		{"buffer size", func(s *Settings) { s.BufferSize = 0 }},
		{"queue capacity", func(s *Settings) { s.QueueCapacity = 0 }},
		{"config dir", func(s *Settings) { s.ConfigDir = "" }},
		{"log level", func(s *Settings) { s.LogLevel = "loud" }},
		{"watch interval", func(s *Settings) { s.WatchInterval = 0 }},
		{"stats interval", func(s *Settings) { s.StatsInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.modify(&s)
			if err := s.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
