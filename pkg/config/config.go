package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Generator  GeneratorConfig  `mapstructure:"generator"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`    // debug, info, warn, error
	Encoding string `mapstructure:"encoding"` // json, console
	Env      string `mapstructure:"-"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// PostgresConfig selects the alert store. An empty DSN keeps alerts in memory.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig holds the HS256 secret used to verify bearer tokens.
// An empty secret trusts the X-User-ID header (local development only).
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BrokerConfig struct {
	ChannelPrefix    string        `mapstructure:"channel_prefix"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	SnapshotTTL      time.Duration `mapstructure:"snapshot_ttl"`
}

type ProcessorConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	LaneBuffer int `mapstructure:"lane_buffer"`
}

type EngineConfig struct {
	Lanes      int `mapstructure:"lanes"`
	LaneBuffer int `mapstructure:"lane_buffer"`
}

type DispatcherConfig struct {
	MaxInFlightPerUser int           `mapstructure:"max_in_flight_per_user"`
	MaxConcurrentUsers int           `mapstructure:"max_concurrent_users"`
	DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
}

type TrackerConfig struct {
	LivenessTimeout  time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type GatewayConfig struct {
	ValidTickers     []string      `mapstructure:"valid_tickers"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	WatchlistViewTTL time.Duration `mapstructure:"watchlist_view_ttl"`
}

type GeneratorConfig struct {
	Tickers  []string      `mapstructure:"tickers"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Load .env file into System Environment (if it exists)
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// 2. Set Defaults
	setDefaults(v)

	// 3. Configure Viper to read Environment Variables
	// This maps dot-notation to underscores (e.g., "app.port" -> "APP_PORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Explicitly Bind Env Vars to Keys so Unmarshal sees them
	for _, key := range v.AllKeys() {
		bindEnv(v, key)
	}

	// 5. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.Logger.Env = cfg.App.Env

	// 6. Basic Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.group_id", "stock-processor-group")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("broker.channel_prefix", "")
	v.SetDefault("broker.retry_max", 5)
	v.SetDefault("broker.retry_initial", 50*time.Millisecond)
	v.SetDefault("broker.retry_max_interval", 2*time.Second)
	v.SetDefault("broker.snapshot_ttl", time.Hour)

	v.SetDefault("processor.num_workers", 4)
	v.SetDefault("processor.lane_buffer", 100)

	v.SetDefault("engine.lanes", 8)
	v.SetDefault("engine.lane_buffer", 256)

	v.SetDefault("dispatcher.max_in_flight_per_user", 4)
	v.SetDefault("dispatcher.max_concurrent_users", 64)
	v.SetDefault("dispatcher.delivery_timeout", 2*time.Second)
	v.SetDefault("dispatcher.dedup_window", 10*time.Minute)

	v.SetDefault("tracker.liveness_timeout", 90*time.Second)
	v.SetDefault("tracker.sweep_interval", 15*time.Second)
	v.SetDefault("tracker.handshake_timeout", 5*time.Second)

	v.SetDefault("gateway.valid_tickers", []string{"AAPL", "GOOG", "TSLA", "AMZN", "ACME"})
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.watchlist_view_ttl", 5*time.Minute)

	v.SetDefault("generator.tickers", []string{"AAPL", "GOOG", "TSLA", "AMZN"})
	v.SetDefault("generator.interval", 100*time.Millisecond)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("kafka brokers cannot be empty")
	case c.Processor.NumWorkers < 1:
		return fmt.Errorf("processor.num_workers must be at least 1, got %d", c.Processor.NumWorkers)
	case c.Engine.Lanes < 1:
		return fmt.Errorf("engine.lanes must be at least 1, got %d", c.Engine.Lanes)
	case c.Dispatcher.MaxInFlightPerUser < 1:
		return fmt.Errorf("dispatcher.max_in_flight_per_user must be at least 1, got %d", c.Dispatcher.MaxInFlightPerUser)
	case c.Dispatcher.DeliveryTimeout <= 0:
		return fmt.Errorf("dispatcher.delivery_timeout must be positive")
	case c.Tracker.LivenessTimeout <= 0:
		return fmt.Errorf("tracker.liveness_timeout must be positive")
	case c.Broker.RetryMax < 1:
		return fmt.Errorf("broker.retry_max must be at least 1, got %d", c.Broker.RetryMax)
	}
	return nil
}

// RequireAuthSecret fails when a non-local deployment has no JWT secret.
func (c *Config) RequireAuthSecret() error {
	if c.Auth.JWTSecret == "" && c.App.Env != "local" {
		return fmt.Errorf("auth.jwt_secret is required when app.env is %q", c.App.Env)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
