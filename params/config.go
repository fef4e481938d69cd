package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Domain is the EIP-712 signing domain orders are signed under.
type Domain struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	ChainID           int64  `yaml:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Retry bounds how often a failed store call is retried. MaxRetries 0 disables retries.
type Retry struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

type Store struct {
	Backend    string   `yaml:"backend"` // memory | pebble | postgres
	PebblePath string   `yaml:"pebble_path"`
	Postgres   DBConfig `yaml:"postgres"`
	Retry      Retry    `yaml:"retry"`
}

type API struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Book struct {
	MaxLevels int `yaml:"max_levels"`
}

// Dedup sizes the cache of recently accepted order fingerprints.
type Dedup struct {
	Size int `yaml:"size"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type Gossip struct {
	Enabled   bool     `yaml:"enabled"`
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	Topic     string   `yaml:"topic"`
}

// Events configures the event bus and its optional sinks. A sink with no
// address is disabled.
type Events struct {
	BufferSize int    `yaml:"buffer_size"`
	Kafka      Kafka  `yaml:"kafka"`
	Redis      Redis  `yaml:"redis"`
	Gossip     Gossip `yaml:"gossip"`
}

type Log struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"` // debug | info | warn | error
}

type Config struct {
	Domain Domain `yaml:"domain"`
	Store  Store  `yaml:"store"`
	API    API    `yaml:"api"`
	Book   Book   `yaml:"book"`
	Dedup  Dedup  `yaml:"dedup"`
	Events Events `yaml:"events"`
	Log    Log    `yaml:"log"`
}

const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

func Default() Config {
	return Config{
		Domain: Domain{
			Name:              "OutcomeExchange",
			Version:           "1",
			ChainID:           80002, // Polygon Amoy testnet
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Store: Store{
			Backend:    BackendMemory,
			PebblePath: "data/orders",
			Postgres: DBConfig{
				Host:     "localhost",
				Port:     5432,
				Name:     "predmatch",
				User:     "predmatch",
				SSLMode:  "prefer",
				MaxConns: 10,
				MinConns: 2,
			},
			Retry: Retry{
				MaxRetries:      3,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
				MaxElapsed:      5 * time.Second,
			},
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Book:  Book{MaxLevels: 50},
		Dedup: Dedup{Size: 100_000},
		Events: Events{
			BufferSize: 1024,
			Kafka:      Kafka{Topic: "predmatch.events"},
			Redis:      Redis{Channel: "predmatch:events"},
			Gossip: Gossip{
				Listen: []string{"/ip4/0.0.0.0/tcp/4001"},
				Topic:  "predmatch/events/1",
			},
		},
		Log: Log{Level: "info"},
	}
}

// LoadFile reads a YAML config on top of the defaults. ${VAR} references
// are expanded from the environment before parsing.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective config.
// Priority: ENV > .env file > YAML file (optional) > defaults
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		var err error
		if cfg, err = LoadFile(yamlPath); err != nil {
			return cfg, err
		}
	}
	loadDotEnv(envPath)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()
	loadDotEnv(envPath)
	applyEnv(&cfg)
	return cfg
}

func loadDotEnv(envPath string) {
	// optional - won't fail if not exists
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
}

func applyEnv(cfg *Config) {
	cfg.Domain.Name = getEnv("DOMAIN_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("DOMAIN_VERSION", cfg.Domain.Version)
	if v := os.Getenv("DOMAIN_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Domain.ChainID = id
		}
	}
	cfg.Domain.VerifyingContract = getEnv("DOMAIN_VERIFYING_CONTRACT", cfg.Domain.VerifyingContract)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Store.Postgres.Host)
	cfg.Store.Postgres.Port = getEnvInt("POSTGRES_PORT", cfg.Store.Postgres.Port)
	cfg.Store.Postgres.Name = getEnv("POSTGRES_DB", cfg.Store.Postgres.Name)
	cfg.Store.Postgres.User = getEnv("POSTGRES_USER", cfg.Store.Postgres.User)
	cfg.Store.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Store.Postgres.Password)
	cfg.Store.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Store.Postgres.SSLMode)
	if v := os.Getenv("STORE_RETRY_MAX"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Store.Retry.MaxRetries = n
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AllowedOrigins = getEnvList("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.Book.MaxLevels = getEnvInt("BOOK_MAX_LEVELS", cfg.Book.MaxLevels)
	cfg.Dedup.Size = getEnvInt("DEDUP_SIZE", cfg.Dedup.Size)

	cfg.Events.BufferSize = getEnvInt("EVENTS_BUFFER_SIZE", cfg.Events.BufferSize)
	cfg.Events.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Events.Kafka.Brokers)
	cfg.Events.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Events.Kafka.Topic)
	cfg.Events.Redis.Addr = getEnv("REDIS_ADDR", cfg.Events.Redis.Addr)
	cfg.Events.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Events.Redis.Password)
	cfg.Events.Redis.Channel = getEnv("REDIS_CHANNEL", cfg.Events.Redis.Channel)
	if v := os.Getenv("GOSSIP_ENABLED"); v != "" {
		cfg.Events.Gossip.Enabled = v == "true"
	}
	cfg.Events.Gossip.Listen = getEnvList("GOSSIP_LISTEN", cfg.Events.Gossip.Listen)
	cfg.Events.Gossip.Bootstrap = getEnvList("GOSSIP_BOOTSTRAP", cfg.Events.Gossip.Bootstrap)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
}

// Validate rejects settings the node cannot start with.
func (c *Config) Validate() error {
	if c.Domain.Name == "" || c.Domain.Version == "" {
		return errors.New("domain.name and domain.version are required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Store.PebblePath == "" {
			return errors.New("store.pebble_path is required for the pebble backend")
		}
	case BackendPostgres:
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend must be memory, pebble or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Retry.MaxRetries > 0 && c.Store.Retry.InitialInterval <= 0 {
		return errors.New("store.retry.initial_interval must be > 0 when retries are enabled")
	}
	if c.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if c.Book.MaxLevels < 1 {
		return errors.New("book.max_levels must be >= 1")
	}
	if c.Dedup.Size < 1 {
		return errors.New("dedup.size must be >= 1")
	}
	if c.Events.BufferSize < 1 {
		return errors.New("events.buffer_size must be >= 1")
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		return errors.New("events.kafka.topic is required when brokers are set")
	}
	if c.Events.Redis.Addr != "" && c.Events.Redis.Channel == "" {
		return errors.New("events.redis.channel is required when addr is set")
	}
	if c.Events.Gossip.Enabled && c.Events.Gossip.Topic == "" {
		return errors.New("events.gossip.topic is required when gossip is enabled")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 || db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns must be between 0 and max_conns", prefix)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, e.g. "host1:9092,host2:9092".
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
