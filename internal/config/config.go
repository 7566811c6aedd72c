// Package config holds the rgad daemon configuration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/yaml.v3"
)

const fileName = "rgad.yaml"

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Recorder RecorderConfig `yaml:"recorder"`
	Redis    RedisConfig    `yaml:"redis"`
	Influx   InfluxConfig   `yaml:"influx"`
	Trace    TraceConfig    `yaml:"trace"`
}

type DeviceConfig struct {
	// Link is a serial device path, file:// url, socket://host:port or sim://
	Link string `yaml:"link"`
}

type SessionConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	CalibrationTimeout   time.Duration `yaml:"calibration_timeout"`
	FilamentPolls        int           `yaml:"filament_polls"`
	FilamentPollInterval time.Duration `yaml:"filament_poll_interval"`
	NonBlocking          bool          `yaml:"non_blocking"`
	CalibrateOnStart     bool          `yaml:"calibrate_on_start"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RecorderConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Min         int           `yaml:"min"`
	Max         int           `yaml:"max"`
	StepsPerAMU int           `yaml:"steps_per_amu"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	History  int    `yaml:"history"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	SkipTLS bool   `yaml:"skip_tls"`
}

type TraceConfig struct {
	// File receives a CBOR record per transaction, disabled if empty
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Link: "/dev/ttyUSB0",
		},
		Session: SessionConfig{
			Timeout:              5 * time.Second,
			CalibrationTimeout:   30 * time.Second,
			FilamentPolls:        10,
			FilamentPollInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Addr: ":3002",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Recorder: RecorderConfig{
			Interval:    time.Minute,
			Min:         1,
			Max:         100,
			StepsPerAMU: 10,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "rga_spectra",
			History: 1000,
		},
		Influx: InfluxConfig{
			URL:    "http://localhost:8086",
			Bucket: "rga",
		},
	}
}

// DefaultPath is rgad.yaml in the application data directory
func DefaultPath() string {
	return filepath.Join(btcutil.AppDataDir("rgad", false), fileName)
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads DefaultPath, falling back to Default if there is no such file
func LoadDefault() (*Config, error) {
	cfg, err := Load(DefaultPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
