// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is the top-level astromech.yaml.
type ServiceConfig struct {
	Version int `yaml:"version"`
	Server  struct {
		Port        int `yaml:"port"`
		BroadcastHz int `yaml:"broadcast_hz"`
	} `yaml:"server"`
	Motion struct {
		TickHz int `yaml:"tick_hz"`
	} `yaml:"motion"`
	Servos struct {
		ProfilePath string `yaml:"profile_path"`
		SafetyTier  string `yaml:"safety_tier"`
	} `yaml:"servos"`
	Driver struct {
		Backend    string      `yaml:"backend"` // sim, maestro, rpio
		SerialPort string      `yaml:"serial_port"`
		Pins       map[int]int `yaml:"pins"` // channel -> BCM pin
	} `yaml:"driver"`
	Audio struct {
		MQTTURL string `yaml:"mqtt_url"`
		Topic   string `yaml:"topic"`
	} `yaml:"audio"`
	Storage struct {
		Postgres bool `yaml:"postgres"`
	} `yaml:"storage"`
}

// Load reads and validates the config file.
func Load(path string) (*ServiceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present: simulated
// driver, built-in servo profile, no external audio or persistence.
func Default() *ServiceConfig {
	return &ServiceConfig{Version: 1}
}

// Port returns the configured listen port, defaulting to 8765.
func (c *ServiceConfig) Port() string {
	if c.Server.Port == 0 {
		return "8765"
	}
	return fmt.Sprintf("%d", c.Server.Port)
}

// BroadcastHz returns the status broadcast rate, defaulting to 10.
func (c *ServiceConfig) BroadcastHz() int {
	if c.Server.BroadcastHz == 0 {
		return 10
	}
	return c.Server.BroadcastHz
}

// TickHz returns the motion tick rate, defaulting to 60.
func (c *ServiceConfig) TickHz() int {
	if c.Motion.TickHz == 0 {
		return 60
	}
	return c.Motion.TickHz
}

// ProfilePath returns where the servo profile lives.
func (c *ServiceConfig) ProfilePath() string {
	if c.Servos.ProfilePath == "" {
		return "servo_profile.json"
	}
	return c.Servos.ProfilePath
}

// SafetyTier returns the configured tier name, defaulting to production.
func (c *ServiceConfig) SafetyTier() string {
	if c.Servos.SafetyTier == "" {
		return "production"
	}
	return c.Servos.SafetyTier
}

// DriverBackend returns the actuator backend, defaulting to the simulator.
func (c *ServiceConfig) DriverBackend() string {
	if c.Driver.Backend == "" {
		return "sim"
	}
	return c.Driver.Backend
}

// SerialPort returns the Maestro serial device path.
func (c *ServiceConfig) SerialPort() string {
	if c.Driver.SerialPort == "" {
		return "/dev/ttyACM0"
	}
	return c.Driver.SerialPort
}

// MQTTURL returns the audio cue broker, empty when cues are disabled.
func (c *ServiceConfig) MQTTURL() string {
	return c.Audio.MQTTURL
}
