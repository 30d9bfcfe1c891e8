package server

import (
	"flag"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/sweeper"
)

const (
	defaultOpsAddress = "localhost:8081"
	defaultLogLevel   = "info"
)

type Config struct {
	OpsAddress    string        `env:"OPS_ADDRESS"`
	DSN           string        `env:"DATABASE_URI"`
	LogLevel      string        `env:"LOG_LEVEL"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
	SweepBatch    int           `env:"SWEEP_BATCH"`

	// The platform collection account handed out by PaymentInstructions.
	FeeAccountName   string `env:"FEE_ACCOUNT_NAME"`
	FeeAccountNumber string `env:"FEE_ACCOUNT_NUMBER"`
	FeeBankName      string `env:"FEE_BANK_NAME"`
}

func NewConfig() (*Config, error) {
	cfg := &Config{
		OpsAddress:    defaultOpsAddress,
		LogLevel:      defaultLogLevel,
		SweepInterval: sweeper.DefaultInterval,
		SweepBatch:    sweeper.DefaultBatch,
	}

	flag.StringVar(&cfg.OpsAddress, "a", defaultOpsAddress, "ops server address (metrics, health)")
	flag.StringVar(&cfg.DSN, "d", "", "database connection string")
	flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	flag.DurationVar(&cfg.SweepInterval, "i", sweeper.DefaultInterval, "expiry sweep interval")
	flag.IntVar(&cfg.SweepBatch, "b", sweeper.DefaultBatch, "expiry sweep batch size")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FeeAccount returns the collection account as a destination triple.
func (c *Config) FeeAccount() model.Destination {
	return model.Destination{
		AccountName:   c.FeeAccountName,
		AccountNumber: c.FeeAccountNumber,
		BankName:      c.FeeBankName,
	}
}
