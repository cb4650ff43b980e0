package main

import (
	"context"
	"fmt"

	"github.com/gridline/powermeter/internal/config"
	"github.com/gridline/powermeter/internal/store"
)

// loadConfig mirrors daemon.go's DefaultConfig/LoadFromFile/LoadFromEnv
// layering: file settings fill in over defaults, then env vars win
// over both.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.New(ctx, cfg.Postgres.DSN)
}
