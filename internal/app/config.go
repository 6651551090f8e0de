package app

import (
	"errors"
	"fmt"

	cfgmodel "github.com/specialistvlad/splitgridgo/internal/config"
)

// Config holds everything a runtime process needs to run.
type Config struct {
	ConfigPath string // .hcl file or directory

	// Overrides of the runtime block. Zero values keep the file's setting.
	Scheduler  string
	Transport  string
	RuntimeID  int
	Iterations int
	Ratio      int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	switch cfg.Transport {
	case cfgmodel.TransportNone, cfgmodel.TransportUnix, cfgmodel.TransportSocketIO:
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d", cfg.Iterations)
	}
	if cfg.Ratio != 0 && (cfg.Ratio < 1 || cfg.Ratio > 9) {
		return nil, fmt.Errorf("ratio must be between 1 and 9, got %d", cfg.Ratio)
	}
	return &cfg, nil
}

// SchedulerConfig holds everything the scheduler process needs to run.
type SchedulerConfig struct {
	SocketPath   string
	SocketIOAddr string
	Namespace    string
	InitialRatio int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewSchedulerConfig validates cfg and returns a copy.
func NewSchedulerConfig(cfg SchedulerConfig) (*SchedulerConfig, error) {
	if cfg.SocketPath == "" && cfg.SocketIOAddr == "" {
		return nil, errors.New("the scheduler needs a socket path, a socket.io address or both")
	}
	if cfg.InitialRatio < 1 || cfg.InitialRatio > 9 {
		return nil, fmt.Errorf("initial ratio must be between 1 and 9, got %d", cfg.InitialRatio)
	}
	return &cfg, nil
}
