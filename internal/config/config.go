package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrCreditPoolTooSmall = errors.New("credit pool must be at least as large as the worker pool")
	ErrNoSessions         = errors.New("at least one session must be configured")
)

// Config represents the configuration shared by the venue, router and feed
// processes. Each process only reads the sections it needs.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Venue   VenueConfig   `yaml:"venue"`
	Credit  CreditConfig  `yaml:"credit"`
	Router  RouterConfig  `yaml:"router"`
	Feed    FeedConfig    `yaml:"feed"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Session is a credential pair bound to a session id.
type Session struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// VenueConfig represents the accepting gateway settings
type VenueConfig struct {
	Address     string        `yaml:"address"`
	Workers     int           `yaml:"workers"`
	GracePeriod time.Duration `yaml:"grace_period"`
	MaxAttempts int           `yaml:"max_attempts"`
	PollDelay   time.Duration `yaml:"poll_delay"`
	Sessions    []Session     `yaml:"sessions"`
}

// CreditConfig represents the credit store connection settings
type CreditConfig struct {
	DSN          string        `yaml:"dsn"`
	PoolSize     int           `yaml:"pool_size"`
	Counterparty string        `yaml:"counterparty"`
	StatsPeriod  time.Duration `yaml:"stats_period"`
}

// RouterConfig represents the submitting gateway settings
type RouterConfig struct {
	Address        string        `yaml:"address"`
	Sessions       []Session     `yaml:"sessions"`
	TableCapacity  int           `yaml:"table_capacity"`
	PublishPeriod  time.Duration `yaml:"publish_period"`
	AllowedSymbols []string      `yaml:"allowed_symbols"`
}

// FeedConfig represents the quote feed settings. The venue dials URL, the
// publisher listens on Address.
type FeedConfig struct {
	URL           string        `yaml:"url"`
	Address       string        `yaml:"address"`
	PublishPeriod time.Duration `yaml:"publish_period"`
	Symbols       []string      `yaml:"symbols"`
}

// StoreConfig represents the terminal order store settings
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// MetricsConfig represents the prometheus listener settings
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns a configuration usable for a local simulation.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Venue: VenueConfig{
			Address:     "0.0.0.0:9001",
			Workers:     10,
			GracePeriod: 5 * time.Second,
			MaxAttempts: 100,
			PollDelay:   500 * time.Millisecond,
		},
		Credit: CreditConfig{
			PoolSize:     10,
			Counterparty: "TRADING_COUNTERPARTY",
			StatsPeriod:  10 * time.Second,
		},
		Router: RouterConfig{
			Address:       "127.0.0.1:9001",
			TableCapacity: 1 << 20,
			PublishPeriod: time.Second,
		},
		Feed: FeedConfig{
			URL:           "ws://127.0.0.1:9002/quotes",
			Address:       "0.0.0.0:9002",
			PublishPeriod: time.Second,
		},
		Metrics: MetricsConfig{Address: ":9100"},
	}
}

// Load loads configuration from a YAML file with env overrides. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// SessionByID looks up the venue credentials configured for a session.
func (v VenueConfig) SessionByID(id string) (Session, bool) {
	for _, s := range v.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

func (c *Config) loadEnvOverrides() {
	if v := os.Getenv("EXCHSIM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EXCHSIM_VENUE_ADDRESS"); v != "" {
		c.Venue.Address = v
	}
	if v := os.Getenv("EXCHSIM_VENUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Venue.Workers = n
		}
	}
	if v := os.Getenv("EXCHSIM_CREDIT_DSN"); v != "" {
		c.Credit.DSN = v
	}
	if v := os.Getenv("EXCHSIM_CREDIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Credit.PoolSize = n
		}
	}
	if v := os.Getenv("EXCHSIM_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("EXCHSIM_ROUTER_ADDRESS"); v != "" {
		c.Router.Address = v
	}
	if v := os.Getenv("EXCHSIM_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("EXCHSIM_SYMBOLS"); v != "" {
		symbols := strings.Split(v, ",")
		c.Router.AllowedSymbols = symbols
		c.Feed.Symbols = symbols
	}
}

func (c *Config) validate() error {
	if c.Venue.Workers <= 0 {
		return fmt.Errorf("venue.workers must be positive, got %d", c.Venue.Workers)
	}
	if c.Venue.MaxAttempts <= 0 {
		return fmt.Errorf("venue.max_attempts must be positive, got %d", c.Venue.MaxAttempts)
	}
	if c.Venue.PollDelay < 0 {
		return fmt.Errorf("venue.poll_delay must not be negative")
	}
	// Every in-flight match holds one credit connection for its lifetime.
	if c.Credit.PoolSize < c.Venue.Workers {
		return fmt.Errorf("%w: %d < %d", ErrCreditPoolTooSmall, c.Credit.PoolSize, c.Venue.Workers)
	}
	if c.Credit.Counterparty == "" {
		c.Credit.Counterparty = "TRADING_COUNTERPARTY"
	}
	if c.Router.TableCapacity <= 0 {
		c.Router.TableCapacity = 1 << 20
	}
	return nil
}
