package strategy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"execution-core/pkg/db"
)

// Config represents a strategy run entry in YAML.
type Config struct {
	ID                 string  `yaml:"id"`
	UserID             string  `yaml:"user_id"`
	ConnectionID       string  `yaml:"connection_id"`
	Name               string  `yaml:"name"`
	Symbol             string  `yaml:"symbol"`
	Timeframe          string  `yaml:"timeframe"`
	Direction          string  `yaml:"direction"`
	Leverage           int     `yaml:"leverage"`
	OrderSizePct       float64 `yaml:"order_size_pct"`
	InitialCapitalUSDT float64 `yaml:"initial_capital_usdt"`
	TakeProfitPct      float64 `yaml:"take_profit_pct"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	IsActive           bool    `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// RunUpserter stores seeded runs. *db.Database satisfies it.
type RunUpserter interface {
	UpsertStrategyRun(ctx context.Context, r db.StrategyRun) error
}

// LoadConfig reads strategy runs from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i, c := range file.Strategies {
		if c.ID == "" || c.UserID == "" || c.ConnectionID == "" {
			return nil, fmt.Errorf("strategy %d: id, user_id and connection_id are required", i)
		}
		if c.Timeframe != "" {
			if _, err := TimeframeDuration(c.Timeframe); err != nil {
				return nil, fmt.Errorf("strategy %s: %w", c.ID, err)
			}
		}
		switch c.Direction {
		case "", "long", "short", "both":
		default:
			return nil, fmt.Errorf("strategy %s: invalid direction %q", c.ID, c.Direction)
		}
	}
	return file.Strategies, nil
}

// SyncConfigToDB upserts runs from config. Inactive entries are stored paused.
func SyncConfigToDB(ctx context.Context, store RunUpserter, configs []Config) error {
	for _, cfg := range configs {
		status := db.StatusActive
		if !cfg.IsActive {
			status = db.StatusPaused
		}
		err := store.UpsertStrategyRun(ctx, db.StrategyRun{
			ID:                 cfg.ID,
			UserID:             cfg.UserID,
			ConnectionID:       cfg.ConnectionID,
			Name:               cfg.Name,
			Symbol:             cfg.Symbol,
			Timeframe:          cfg.Timeframe,
			Direction:          cfg.Direction,
			Leverage:           cfg.Leverage,
			OrderSizePct:       cfg.OrderSizePct,
			InitialCapitalUSDT: cfg.InitialCapitalUSDT,
			TakeProfitPct:      cfg.TakeProfitPct,
			StopLossPct:        cfg.StopLossPct,
			Status:             status,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", cfg.ID, err)
		}
	}
	return nil
}
