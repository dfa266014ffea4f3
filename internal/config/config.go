// Package config loads the process settings: values fixed for the lifetime
// of the process. Hot-reloadable settings live in the live record instead.
//
// Precedence, lowest first: built-in defaults, the optional YAML settings
// file, environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/stats"
)

// ErrInvalid is wrapped by every [Settings.Validate] failure.
var ErrInvalid = errors.New("config: invalid settings")

// Settings holds the process configuration.
type Settings struct {
	// Stream format
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	BufferSize int `yaml:"buffer_size"` // output frame size in samples per channel

	// ConfigDir holds the live record and the stats file.
	ConfigDir string `yaml:"config_dir"`

	QueueCapacity int `yaml:"queue_capacity"`

	// ListenAddr enables the admin/monitor HTTP server when non-empty.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`

	WatchInterval time.Duration `yaml:"watch_interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ModelURL is the inference server. Empty means only built-in models.
	ModelURL string `yaml:"model_url"`

	// CapturePath, when set, records the output to a WAV file.
	CapturePath string `yaml:"capture_path"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	dir := ".config/pulseaudio-lambda"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, dir)
	}
	return Settings{
		SampleRate:    audio.DefaultSampleRate,
		Channels:      audio.DefaultChannels,
		BitDepth:      audio.DefaultBitDepth,
		BufferSize:    audio.DefaultBufferSize,
		ConfigDir:     dir,
		QueueCapacity: 8,
		LogLevel:      "info",
		WatchInterval: 500 * time.Millisecond,
		StatsInterval: time.Second,
	}
}

// Load builds the settings from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		if err := s.LoadFile(path); err != nil {
			return Settings{}, err
		}
	}
	s.ApplyEnv()
	return s, nil
}

// LoadFile overlays the YAML file at path onto s. Unknown keys are an
// error.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto s. Numeric values that do
// not parse keep the current value.
func (s *Settings) ApplyEnv() {
	s.SampleRate = envInt("PA_LAMBDA_SAMPLE_RATE", s.SampleRate)
	s.Channels = envInt("PA_LAMBDA_CHANNELS", s.Channels)
	s.BitDepth = envInt("PA_LAMBDA_BITS", s.BitDepth)
	s.BufferSize = envInt("PA_LAMBDA_BUFFER_SIZE", s.BufferSize)
	s.ConfigDir = envStr("PA_LAMBDA_CONFIG_DIR", s.ConfigDir)

	s.QueueCapacity = envInt("STEMSTREAM_QUEUE_CAPACITY", s.QueueCapacity)
	s.ListenAddr = envStr("STEMSTREAM_LISTEN_ADDR", s.ListenAddr)
	s.LogLevel = envStr("STEMSTREAM_LOG_LEVEL", s.LogLevel)
	s.WatchInterval = envDuration("STEMSTREAM_WATCH_INTERVAL", s.WatchInterval)
	s.StatsInterval = envDuration("STEMSTREAM_STATS_INTERVAL", s.StatsInterval)
	s.ModelURL = envStr("STEMSTREAM_MODEL_URL", s.ModelURL)
	s.CapturePath = envStr("STEMSTREAM_CAPTURE_PATH", s.CapturePath)
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	if err := s.SampleSpec().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if s.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: buffer_size must be > 0, got %d", ErrInvalid, s.BufferSize))
	}
	if s.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%w: queue_capacity must be > 0, got %d", ErrInvalid, s.QueueCapacity))
	}
	if s.ConfigDir == "" {
		errs = append(errs, fmt.Errorf("%w: config_dir is empty", ErrInvalid))
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if s.WatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: watch_interval must be > 0, got %s", ErrInvalid, s.WatchInterval))
	}
	if s.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: stats_interval must be > 0, got %s", ErrInvalid, s.StatsInterval))
	}
	return errors.Join(errs...)
}

// SampleSpec is the stream format.
func (s Settings) SampleSpec() audio.SampleSpec {
	return audio.SampleSpec{SampleRate: s.SampleRate, Channels: s.Channels, BitDepth: s.BitDepth}
}

// LiveConfigPath is where the hot-reloadable record lives.
func (s Settings) LiveConfigPath() string {
	return filepath.Join(s.ConfigDir, live.FileName)
}

// StatsPath is where the stats snapshot is written.
func (s Settings) StatsPath() string {
	return filepath.Join(s.ConfigDir, stats.FileName)
}

// Level is the parsed log level. Validate first.
func (s Settings) Level() slog.Level {
	l, _ := ParseLevel(s.LogLevel)
	return l
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
