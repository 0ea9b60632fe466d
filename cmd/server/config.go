package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/curve"
	"github.com/atmx/perp-ledger/internal/model"
)

// config is the server configuration read from the environment.
type config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    slog.Level

	MultiInvoker  string
	CollateralID  string
	Admin         string
	MinFundingFee decimal.Decimal

	// Products lists the tickers listed at start-up, all sharing Owner and
	// Parameters.
	Products   []string
	Owner      string
	Parameters model.Parameters
}

func loadConfig() (*config, error) {
	cfg := &config{
		Port:         envOr("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		MultiInvoker: envOr("MULTI_INVOKER", "multi-invoker"),
		CollateralID: envOr("COLLATERAL_ID", "collateral"),
		Admin:        os.Getenv("CONTROLLER_ADMIN"),
		Owner:        envOr("PRODUCT_OWNER", "owner"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	for _, t := range strings.Split(envOr("PRODUCTS", "PERP-ETH-USD-LONG"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Products = append(cfg.Products, t)
		}
	}

	var err error
	dec := func(key, def string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var v decimal.Decimal
		v, err = decimal.NewFromString(envOr(key, def))
		if err != nil {
			err = fmt.Errorf("%s: %w", key, err)
		}
		return v
	}

	cfg.MinFundingFee = dec("MIN_FUNDING_FEE", "0.1")
	p := &cfg.Parameters
	p.MakerFee.Applied = dec("MAKER_FEE", "0")
	p.TakerFee.Applied = dec("TAKER_FEE", "0.001")
	p.PositionFee.Applied = dec("POSITION_FEE", "0.5")
	p.Maintenance = dec("MAINTENANCE", "0.1")
	p.MakerLimit = dec("MAKER_LIMIT", "1000000")
	p.UtilizationBuffer = dec("UTILIZATION_BUFFER", "0.1")
	p.UtilizationCurve = curve.JumpRate{
		MinRate:           dec("CURVE_MIN_RATE", "0"),
		MaxRate:           dec("CURVE_MAX_RATE", "1"),
		TargetRate:        dec("CURVE_TARGET_RATE", "0.1"),
		TargetUtilization: dec("CURVE_TARGET_UTILIZATION", "0.8"),
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
