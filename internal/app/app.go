package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	cfgmodel "github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/registry"
)

// App encapsulates a runtime process's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	registry *registry.Registry
	model    *cfgmodel.Model
}

// NewApp is the constructor for a runtime. It returns a fully initialized
// App instance, including its own isolated logger and registry. The command
// line overrides are applied to the loaded model.
func NewApp(outW io.Writer, appConfig *Config, loader cfgmodel.Loader, modules ...registry.Module) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	// Load all configuration into the format-agnostic model first.
	model, err := loader.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and translated into unified model.")
	applyOverrides(model, appConfig)
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after overrides: %w", err)
	}

	// Create and populate the registry with the operator kernels.
	if len(modules) == 0 {
		modules = coreModules
	}
	reg := registry.New().Load(modules...)
	logger.Debug("All operator modules registered.", "count", len(modules), "ops", reg.Names())

	// Validate the integrity of the registry.
	if err := reg.Validate(ctx); err != nil {
		// This is a programmer error (a kernel without an implementation), so we panic.
		panic(err)
	}
	logger.Debug("Registry validation passed.")

	return &App{
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		registry: reg,
		model:    model,
	}, nil
}

func applyOverrides(model *cfgmodel.Model, c *Config) {
	rt := &model.Runtime
	if c.Scheduler != "" {
		rt.Scheduler = c.Scheduler
		if rt.Transport == cfgmodel.TransportNone {
			rt.Transport = cfgmodel.TransportUnix
		}
	}
	if c.Transport != "" {
		rt.Transport = c.Transport
	}
	if c.RuntimeID > 0 {
		rt.ID = c.RuntimeID
	}
	if c.Iterations > 0 {
		rt.Iterations = c.Iterations
	}
	if c.Ratio > 0 {
		if model.Partition == nil {
			model.Partition = &cfgmodel.Partition{Unit: defaultPartitionUnit}
		}
		model.Partition.Ratio = c.Ratio
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Model returns the loaded runtime description.
func (a *App) Model() *cfgmodel.Model {
	return a.model
}
