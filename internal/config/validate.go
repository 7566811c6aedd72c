package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// scan window limits of the largest supported head
const (
	maxAMU         = 300
	minStepsPerAMU = 10
	maxStepsPerAMU = 25
)

// Validate checks the configuration without changing it
func (c *Config) Validate() error {
	if c.Device.Link == "" {
		return fmt.Errorf("device.link must be set")
	}

	s := c.Session
	if s.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive, got %v", s.Timeout)
	}
	if s.CalibrationTimeout < s.Timeout {
		return fmt.Errorf("session.calibration_timeout %v is shorter than session.timeout %v", s.CalibrationTimeout, s.Timeout)
	}
	if s.FilamentPolls < 1 {
		return fmt.Errorf("session.filament_polls must be at least 1, got %d", s.FilamentPolls)
	}
	if s.FilamentPollInterval <= 0 {
		return fmt.Errorf("session.filament_poll_interval must be positive, got %v", s.FilamentPollInterval)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", "text", "json", c.Log.Format)
	}

	if r := c.Recorder; r.Enabled {
		if r.Interval <= 0 {
			return fmt.Errorf("recorder.interval must be positive, got %v", r.Interval)
		}
		if r.Min < 1 || r.Max > maxAMU || r.Min >= r.Max {
			return fmt.Errorf("recorder window [%d, %d] must satisfy 1 <= min < max <= %d", r.Min, r.Max, maxAMU)
		}
		if r.StepsPerAMU < minStepsPerAMU || r.StepsPerAMU > maxStepsPerAMU {
			return fmt.Errorf("recorder.steps_per_amu must be in [%d, %d], got %d", minStepsPerAMU, maxStepsPerAMU, r.StepsPerAMU)
		}
	}

	if r := c.Redis; r.Enabled {
		if r.Addr == "" {
			return fmt.Errorf("redis.addr must be set when redis is enabled")
		}
		if r.Channel == "" {
			return fmt.Errorf("redis.channel must be set when redis is enabled")
		}
		if r.History < 0 {
			return fmt.Errorf("redis.history must not be negative, got %d", r.History)
		}
	}

	if i := c.Influx; i.Enabled {
		if i.URL == "" || i.Org == "" || i.Bucket == "" {
			return fmt.Errorf("influx.url, influx.org and influx.bucket must be set when influx is enabled")
		}
	}

	if (c.Redis.Enabled || c.Influx.Enabled) && !c.Recorder.Enabled {
		return fmt.Errorf("redis and influx sinks need recorder.enabled")
	}
	return nil
}
