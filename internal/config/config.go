// Package config loads the engine configuration from a YAML file and
// PERP_ENGINE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PERP_ENGINE_SERVER_PORT.
const EnvPrefix = "PERP_ENGINE"

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Store          StoreConfig          `mapstructure:"store"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Engine         EngineConfig         `mapstructure:"engine"`
	Protocol       ProtocolConfig       `mapstructure:"protocol"`
	MarketDefaults MarketDefaultsConfig `mapstructure:"market_defaults"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigin   string        `mapstructure:"allowed_origin"`
}

// StoreConfig selects the persistence backend. An empty database URL means
// the in-memory store; an empty Redis URL disables the cache.
type StoreConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Migrate     bool          `mapstructure:"migrate"`
}

// NATSConfig configures the outbound event stream. Empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// EngineConfig holds operational guards.
type EngineConfig struct {
	// OracleMaxAge rejects fills against an older oracle price; 0 disables.
	OracleMaxAge time.Duration `mapstructure:"oracle_max_age"`
	// Fillers restricts who may fill other users' orders; empty allows anyone.
	Fillers    []string `mapstructure:"fillers"`
	MaxMarkets int      `mapstructure:"max_markets"`
	// MaxPositionNotional caps one market's notional per user; 0 disables.
	MaxPositionNotional int64 `mapstructure:"max_position_notional"`
}

// ProtocolConfig supplies the values written by initialize.
type ProtocolConfig struct {
	MinCollateral          int64 `mapstructure:"min_collateral"`
	LiquidationMarginRatio int64 `mapstructure:"liquidation_margin_ratio"`
	MaxLeverage            int64 `mapstructure:"max_leverage"`
}

// MarketDefaultsConfig fills any market parameter add-market leaves at zero.
type MarketDefaultsConfig struct {
	FundingPeriod          time.Duration `mapstructure:"funding_period"`
	TakerFee               int64         `mapstructure:"taker_fee"`
	MakerRebate            int64         `mapstructure:"maker_rebate"`
	MarginRatioInitial     int64         `mapstructure:"margin_ratio_initial"`
	MarginRatioMaintenance int64         `mapstructure:"margin_ratio_maintenance"`
	MinOrderSize           int64         `mapstructure:"min_order_size"`
	TickSize               int64         `mapstructure:"tick_size"`
	BaseSpread             int64         `mapstructure:"base_spread"`
	MaxSpread              int64         `mapstructure:"max_spread"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origin", "*")

	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")
	v.SetDefault("store.migrate", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "PERP_ENGINE_EVENTS")
	v.SetDefault("nats.subject_prefix", "perp.engine.events")

	v.SetDefault("engine.oracle_max_age", "0s")
	v.SetDefault("engine.fillers", []string{})
	v.SetDefault("engine.max_markets", 65535)
	v.SetDefault("engine.max_position_notional", 0)

	v.SetDefault("protocol.min_collateral", 0)
	v.SetDefault("protocol.liquidation_margin_ratio", 625)
	v.SetDefault("protocol.max_leverage", 20)

	v.SetDefault("market_defaults.funding_period", "1h")
	v.SetDefault("market_defaults.taker_fee", 1000)
	v.SetDefault("market_defaults.maker_rebate", 200)
	v.SetDefault("market_defaults.margin_ratio_initial", 1000)
	v.SetDefault("market_defaults.margin_ratio_maintenance", 625)
	v.SetDefault("market_defaults.min_order_size", 10_000_000)
	v.SetDefault("market_defaults.tick_size", 100)
	v.SetDefault("market_defaults.base_spread", 1000)
	v.SetDefault("market_defaults.max_spread", 50000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.redis_url requires store.database_url")
	}
	if c.Store.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl must not be negative")
	}
	if c.NATS.URL != "" && (c.NATS.Stream == "" || c.NATS.SubjectPrefix == "") {
		return fmt.Errorf("nats.stream and nats.subject_prefix are required when nats.url is set")
	}
	if c.Engine.OracleMaxAge < 0 {
		return fmt.Errorf("engine.oracle_max_age must not be negative")
	}
	if c.Engine.MaxPositionNotional < 0 {
		return fmt.Errorf("engine.max_position_notional must not be negative")
	}
	if c.Engine.MaxMarkets <= 0 || c.Engine.MaxMarkets > 65535 {
		return fmt.Errorf("engine.max_markets must be between 1 and 65535")
	}

	if c.Protocol.MinCollateral < 0 {
		return fmt.Errorf("protocol.min_collateral must not be negative")
	}
	if c.Protocol.LiquidationMarginRatio <= 0 || c.Protocol.LiquidationMarginRatio >= 10_000 {
		return fmt.Errorf("protocol.liquidation_margin_ratio must be between 1 and 9999")
	}
	if c.Protocol.MaxLeverage <= 0 {
		return fmt.Errorf("protocol.max_leverage must be positive")
	}

	d := c.MarketDefaults
	if d.FundingPeriod < time.Second {
		return fmt.Errorf("market_defaults.funding_period must be at least 1s")
	}
	if d.MarginRatioMaintenance <= 0 || d.MarginRatioInitial <= d.MarginRatioMaintenance || d.MarginRatioInitial > 10_000 {
		return fmt.Errorf("market_defaults margin ratios must satisfy 0 < maintenance < initial <= 10000")
	}
	if d.TickSize <= 0 || d.MinOrderSize <= 0 {
		return fmt.Errorf("market_defaults.tick_size and min_order_size must be positive")
	}
	if d.TakerFee < 0 || d.MakerRebate < 0 || d.MakerRebate > d.TakerFee {
		return fmt.Errorf("market_defaults fees must satisfy 0 <= maker_rebate <= taker_fee")
	}
	if d.BaseSpread < 0 || d.MaxSpread < d.BaseSpread {
		return fmt.Errorf("market_defaults spreads must satisfy 0 <= base_spread <= max_spread")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
