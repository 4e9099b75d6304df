// Package config defines all configuration for the market-making daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"mmengine/internal/strategy"
	"mmengine/pkg/period"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Agents    []AgentConfig             `mapstructure:"agents"`
	Jobs      JobsConfig                `mapstructure:"jobs"`
	Store     StoreConfig               `mapstructure:"store"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Admin     AdminConfig               `mapstructure:"admin"`
}

// ExchangeConfig describes one venue connection plus the mirror settings
// layered over it. Simulation mode keeps the market-data endpoints live but
// settles orders locally against candles.
type ExchangeConfig struct {
	BaseURL         string             `mapstructure:"base_url"`
	APIKey          string             `mapstructure:"api_key"`
	APISecret       string             `mapstructure:"api_secret"`
	RateLimit       float64            `mapstructure:"rate_limit"` // order requests per second
	Simulation      bool               `mapstructure:"simulation"`
	Fee             float64            `mapstructure:"fee"`
	FiatCurrency    string             `mapstructure:"fiat_currency"`
	ForceAutoCancel bool               `mapstructure:"force_auto_cancel"`
	MaxSyncAge      string             `mapstructure:"max_sync_age"` // period, "" = never stale
	Reserves        map[string]float64 `mapstructure:"reserves"`
	MinDealAmounts  map[string]float64 `mapstructure:"min_deal_amounts"`
}

// AgentConfig seeds a trading agent on first startup. Agents already in the
// store keep their persisted state; the config only fills gaps.
type AgentConfig struct {
	Name        string           `mapstructure:"name"`
	Exchange    string           `mapstructure:"exchange"`
	Strategy    string           `mapstructure:"strategy"` // default "marketmaker"
	Interval    string           `mapstructure:"interval"` // update period, default "1m"
	MaxDrawdown float64          `mapstructure:"max_drawdown"`
	Options     strategy.Options `mapstructure:"options"`
}

// JobsConfig tunes the orchestrator loop.
type JobsConfig struct {
	PollInterval string `mapstructure:"poll_interval"` // default "2s"
	LockLifetime string `mapstructure:"lock_lifetime"` // default "10h"
}

// StoreConfig sets where the sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides. Credentials
// use per-exchange env vars: MM_<EXCHANGE>_API_KEY, MM_<EXCHANGE>_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for name, ex := range cfg.Exchanges {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if key := os.Getenv("MM_" + envName + "_API_KEY"); key != "" {
			ex.APIKey = key
		}
		if secret := os.Getenv("MM_" + envName + "_API_SECRET"); secret != "" {
			ex.APISecret = secret
		}
		cfg.Exchanges[name] = ex
	}
	if p := os.Getenv("MM_STORE_PATH"); p != "" {
		cfg.Store.Path = p
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "data/mmengine.db"
	}
	if c.Jobs.PollInterval == "" {
		c.Jobs.PollInterval = "2s"
	}
	if c.Jobs.LockLifetime == "" {
		c.Jobs.LockLifetime = "10h"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	for i := range c.Agents {
		if c.Agents[i].Strategy == "" {
			c.Agents[i].Strategy = "marketmaker"
		}
		if c.Agents[i].Interval == "" {
			c.Agents[i].Interval = "1m"
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	for name, ex := range c.Exchanges {
		if ex.BaseURL == "" {
			return fmt.Errorf("exchanges.%s.base_url is required", name)
		}
		if ex.FiatCurrency == "" {
			return fmt.Errorf("exchanges.%s.fiat_currency is required", name)
		}
		if ex.Fee < 0 || ex.Fee >= 1 {
			return fmt.Errorf("exchanges.%s.fee must be in [0, 1)", name)
		}
		if !ex.Simulation && (ex.APIKey == "" || ex.APISecret == "") {
			return fmt.Errorf("exchanges.%s: api_key and api_secret are required outside simulation (set MM_%s_API_KEY)",
				name, strings.ToUpper(name))
		}
		if ex.MaxSyncAge != "" {
			if _, err := period.ToMs(ex.MaxSyncAge); err != nil {
				return fmt.Errorf("exchanges.%s.max_sync_age: %w", name, err)
			}
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[].name is required")
		}
		if _, ok := c.Exchanges[a.Exchange]; !ok {
			return fmt.Errorf("agent %s: unknown exchange %q", a.Name, a.Exchange)
		}
		if a.MaxDrawdown < 0 || a.MaxDrawdown >= 1 {
			return fmt.Errorf("agent %s: max_drawdown must be in [0, 1)", a.Name)
		}
		if _, err := period.ToMs(a.Interval); err != nil {
			return fmt.Errorf("agent %s: interval: %w", a.Name, err)
		}
	}

	if _, err := period.ToMs(c.Jobs.PollInterval); err != nil {
		return fmt.Errorf("jobs.poll_interval: %w", err)
	}
	if _, err := period.ToMs(c.Jobs.LockLifetime); err != nil {
		return fmt.Errorf("jobs.lock_lifetime: %w", err)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\"")
	}
	return nil
}
