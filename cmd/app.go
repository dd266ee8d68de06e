package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/pricing"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/store/sqlstore"
)

// app holds what every command needs once the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	shutdown logging.ShutdownFunc
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if l := v.GetString("log-level"); l != "" {
		cfg.Log.Level = l
	}
	if f := v.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	if u := v.GetString("store-url"); u != "" {
		cfg.Store.URL = u
	}
	return cfg, nil
}

func bootstrap(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, shutdown, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		logging.Fallback().Error("configuring logger", "error", err)
		return nil, err
	}
	s, err := openStore(cfg.Store, logger)
	if err != nil {
		shutdown()
		return nil, err
	}
	for i := range cfg.Benchmarks {
		if err := s.PutConfig(ctx, &cfg.Benchmarks[i]); err != nil {
			s.Close()
			shutdown()
			return nil, fmt.Errorf("storing benchmark %s: %w", cfg.Benchmarks[i].ID, err)
		}
	}
	return &app{cfg: cfg, logger: logger, store: s, shutdown: shutdown}, nil
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.shutdown())
}

func openStore(c config.Store, logger *slog.Logger) (store.Store, error) {
	if c.Driver == "memory" {
		return store.NewMemory(), nil
	}
	settings := map[string]any{"driver": c.Driver, "url": c.URL}
	if c.MaxOpenConns > 0 {
		settings["max_open_conns"] = c.MaxOpenConns
	}
	s, err := sqlstore.New(settings, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// secrets loads the optional env file handed to every agent session.
func (a *app) secrets() (map[string]string, error) {
	if a.cfg.Secrets.EnvFile == "" {
		return nil, nil
	}
	return config.LoadEnvFile(a.cfg.Secrets.EnvFile)
}

func (a *app) agentRunner() agent.Runner {
	env := maps.Clone(a.cfg.Agent.Env)
	if a.cfg.Agent.Runtime == "docker" {
		return &agent.DockerRunner{
			Image:   a.cfg.Agent.Image,
			Binary:  a.cfg.Agent.Binary,
			Env:     env,
			Timeout: a.cfg.Agent.Timeout,
			Logger:  a.logger,
		}
	}
	return &agent.CLIRunner{Binary: a.cfg.Agent.Binary, Env: env, Logger: a.logger}
}

func (a *app) pricing() (*pricing.Table, error) {
	if a.cfg.Pricing.File == "" {
		return pricing.Default(), nil
	}
	return pricing.Load(a.cfg.Pricing.File)
}

func (a *app) benchmark(id string) (*config.Benchmark, error) {
	b, ok := a.cfg.Benchmark(id)
	if !ok {
		return nil, fmt.Errorf("benchmark %q: %w", id, store.ErrNotFound)
	}
	return b, nil
}
