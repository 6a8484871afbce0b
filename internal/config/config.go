package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read from CLOB_* environment variables, optionally seeded from
// a .env file in the working directory.
type Config struct {
	Addr     string `env:"ADDR" envDefault:":4000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Book      BookConfig      `envPrefix:"SNAPSHOT_"`
	Candles   CandleConfig    `envPrefix:"CANDLE_"`
	Transport TransportConfig
	Journal   JournalConfig   `envPrefix:"DB_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Simulator SimulatorConfig `envPrefix:"SIM_"`
}

// BookConfig controls the periodic order book push
type BookConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"250ms"`
	Depth    int           `env:"DEPTH" envDefault:"20"`
}

type CandleConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"60s"`
	History  int           `env:"HISTORY" envDefault:"500"`
}

type TransportConfig struct {
	EventBuffer  int           `env:"EVENT_BUFFER" envDefault:"4096"`
	ClientBuffer int           `env:"CLIENT_BUFFER" envDefault:"256"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`
	RateLimit    int           `env:"RATE_LIMIT" envDefault:"0"` // requests per window per IP, 0 disables
	RateWindow   time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
}

type JournalConfig struct {
	Path string `env:"PATH"` // empty disables the journal
}

type NATSConfig struct {
	URL     string `env:"URL"` // empty disables the feed
	Subject string `env:"SUBJECT" envDefault:"clob"`
}

type SimulatorConfig struct {
	Enabled    bool          `env:"ENABLED" envDefault:"true"`
	Mid        float64       `env:"MID" envDefault:"100"`
	Levels     int           `env:"LEVELS" envDefault:"50"`
	Interval   time.Duration `env:"INTERVAL" envDefault:"50ms"`
	Volatility float64       `env:"VOLATILITY" envDefault:"0.05"`
}

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CLOB_"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Book.Interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", c.Book.Interval)
	}
	if c.Candles.Interval <= 0 {
		return fmt.Errorf("candle interval must be positive, got %s", c.Candles.Interval)
	}
	if c.Transport.EventBuffer <= 0 || c.Transport.ClientBuffer <= 0 {
		return fmt.Errorf("event and client buffers must be positive")
	}
	if c.Simulator.Enabled && (c.Simulator.Mid <= 0 || c.Simulator.Interval <= 0) {
		return fmt.Errorf("simulator needs a positive mid price and interval")
	}
	return nil
}
