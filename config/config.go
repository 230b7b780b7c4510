// Package config loads coordinator settings from a YAML file with TXBUS_*
// environment overrides and turns them into a running Coordinator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/memory"
	"github.com/trickstertwo/txbus/adapter/redisstream"
)

// Config is the full coordinator configuration.
type Config struct {
	Transport   string            `yaml:"transport"`
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Transaction TransactionConfig `yaml:"transaction"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Categories  []CategoryConfig  `yaml:"categories"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TLS        bool   `yaml:"tls"`
	Group      string `yaml:"group"`
	Consumer   string `yaml:"consumer"`
	KeyPrefix  string `yaml:"key_prefix"`
	DeadLetter string `yaml:"dead_letter"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type LedgerConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

type TransactionConfig struct {
	Topic         string        `yaml:"topic"`
	CheckImmunity time.Duration `yaml:"check_immunity"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxChecks     int           `yaml:"max_checks"`
	CheckLoop     bool          `yaml:"check_loop"`
	Pool          PoolConfig    `yaml:"pool"`
}

type TimeoutConfig struct {
	Ack     time.Duration `yaml:"ack"`
	Publish time.Duration `yaml:"publish"`
	Relay   time.Duration `yaml:"relay"`
	Drain   time.Duration `yaml:"drain"`
}

type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

type PoolConfig struct {
	Workers      int           `yaml:"workers"`
	MaxWorkers   int           `yaml:"max_workers"`
	QueueSize    int           `yaml:"queue_size"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	OfferTimeout time.Duration `yaml:"offer_timeout"`
}

type CategoryConfig struct {
	Name  string     `yaml:"name"`
	Topic string     `yaml:"topic"`
	Tag   string     `yaml:"tag"`
	Types []string   `yaml:"types"`
	Pool  PoolConfig `yaml:"pool"`
}

func defaultPool() PoolConfig {
	return PoolConfig{
		Workers:    txbus.DefaultPoolWorkers,
		MaxWorkers: txbus.DefaultPoolMaxWorkers,
		QueueSize:  txbus.DefaultPoolQueueSize,
		KeepAlive:  txbus.DefaultPoolKeepAlive,
	}
}

// Defaults mirrors the coordinator's built-in defaults on the memory transport.
func Defaults() Config {
	rd := redisstream.Defaults()
	cats := txbus.DefaultCategories()
	cc := make([]CategoryConfig, 0, len(cats))
	for _, c := range cats {
		names := make([]string, 0, len(c.Types))
		for _, t := range c.Types {
			names = append(names, t.String())
		}
		cc = append(cc, CategoryConfig{Name: c.Name, Topic: c.Topic, Tag: c.Tag, Types: names, Pool: defaultPool()})
	}
	return Config{
		Transport: memory.TransportName,
		Log:       LogConfig{Level: "info"},
		Redis: RedisConfig{
			Addr:      rd.Addr,
			Group:     rd.Group,
			Consumer:  rd.Consumer,
			KeyPrefix: rd.KeyPrefix,
		},
		Postgres: PostgresConfig{MaxOpenConns: 20, MaxIdleConns: 10},
		Ledger: LedgerConfig{
			TTL:            txbus.DefaultLedgerTTL,
			ExecuteTimeout: txbus.DefaultExecuteTimeout,
		},
		Transaction: TransactionConfig{
			Topic:         "transaction",
			CheckImmunity: 60 * time.Second,
			CheckInterval: 30 * time.Second,
			MaxChecks:     15,
			CheckLoop:     true,
			Pool:          defaultPool(),
		},
		Timeouts: TimeoutConfig{
			Ack:     5 * time.Second,
			Publish: 5 * time.Second,
			Relay:   5 * time.Second,
			Drain:   5 * time.Second,
		},
		Breaker: BreakerConfig{
			Timeout:      10 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.5,
		},
		Categories: cc,
	}
}

// Load reads path over Defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Transport = envOrDefault("TXBUS_TRANSPORT", c.Transport)
	c.Log.Level = envOrDefault("TXBUS_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = envBool("TXBUS_LOG_PRETTY", c.Log.Pretty)
	c.Redis.Addr = envOrDefault("TXBUS_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Username = envOrDefault("TXBUS_REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = envOrDefault("TXBUS_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("TXBUS_REDIS_DB", c.Redis.DB)
	c.Redis.TLS = envBool("TXBUS_REDIS_TLS", c.Redis.TLS)
	c.Redis.Group = envOrDefault("TXBUS_REDIS_GROUP", c.Redis.Group)
	c.Redis.Consumer = envOrDefault("TXBUS_REDIS_CONSUMER", c.Redis.Consumer)
	c.Postgres.DSN = envOrDefault("TXBUS_POSTGRES_DSN", c.Postgres.DSN)
	c.Ledger.TTL = envDuration("TXBUS_LEDGER_TTL", c.Ledger.TTL)
	c.Ledger.ExecuteTimeout = envDuration("TXBUS_EXECUTE_TIMEOUT", c.Ledger.ExecuteTimeout)
	c.Transaction.Topic = envOrDefault("TXBUS_TRANSACTION_TOPIC", c.Transaction.Topic)
	c.Transaction.CheckImmunity = envDuration("TXBUS_CHECK_IMMUNITY", c.Transaction.CheckImmunity)
	c.Transaction.CheckInterval = envDuration("TXBUS_CHECK_INTERVAL", c.Transaction.CheckInterval)
	c.Transaction.MaxChecks = envInt("TXBUS_MAX_CHECKS", c.Transaction.MaxChecks)
	c.Breaker.Enabled = envBool("TXBUS_BREAKER_ENABLED", c.Breaker.Enabled)
}

// Validate rejects settings the coordinator cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case memory.TransportName, redisstream.TransportName:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Transport == redisstream.TransportName && c.Redis.Addr == "" {
		return errors.New("config: redis.addr required for redis-streams")
	}
	if c.Ledger.TTL <= 0 {
		return errors.New("config: ledger.ttl must be > 0")
	}
	if c.Transaction.Topic == "" {
		return errors.New("config: transaction.topic required")
	}
	if c.Transaction.CheckImmunity <= 0 || c.Transaction.CheckInterval <= 0 || c.Transaction.MaxChecks < 1 {
		return errors.New("config: transaction check settings must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if _, err := c.TxbusCategories(); err != nil {
		return err
	}
	return nil
}

// CheckWindow is the longest the broker keeps checking a staged message.
func (c Config) CheckWindow() time.Duration {
	return c.Transaction.CheckImmunity + time.Duration(c.Transaction.MaxChecks-1)*c.Transaction.CheckInterval
}

// txbus converts p, taking package defaults for zero sizes so a YAML
// category may omit its pool block.
func (p PoolConfig) txbus(name string) txbus.PoolConfig {
	if p.Workers == 0 {
		p.Workers = txbus.DefaultPoolWorkers
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = max(p.Workers, txbus.DefaultPoolMaxWorkers)
	}
	if p.QueueSize == 0 {
		p.QueueSize = txbus.DefaultPoolQueueSize
	}
	if p.KeepAlive == 0 {
		p.KeepAlive = txbus.DefaultPoolKeepAlive
	}
	return txbus.PoolConfig{
		Name:         name,
		Workers:      p.Workers,
		MaxWorkers:   p.MaxWorkers,
		QueueSize:    p.QueueSize,
		KeepAlive:    p.KeepAlive,
		OfferTimeout: p.OfferTimeout,
	}
}

// TxbusCategories converts the configured categories.
func (c Config) TxbusCategories() ([]txbus.Category, error) {
	out := make([]txbus.Category, 0, len(c.Categories))
	names := make(map[string]bool, len(c.Categories))
	routes := make(map[txbus.EventType]string)
	for _, cc := range c.Categories {
		if cc.Name == "" {
			return nil, errors.New("config: category name required")
		}
		if cc.Topic == "" {
			return nil, fmt.Errorf("config: category %q: topic required", cc.Name)
		}
		if names[cc.Name] || cc.Name == "transaction" {
			return nil, fmt.Errorf("config: category %q: %w", cc.Name, txbus.ErrDuplicateCategory)
		}
		names[cc.Name] = true
		types := make([]txbus.EventType, 0, len(cc.Types))
		for _, name := range cc.Types {
			t, err := txbus.ParseEventType(name)
			if err != nil {
				return nil, fmt.Errorf("config: category %q: %w", cc.Name, err)
			}
			if prev, dup := routes[t]; dup {
				return nil, fmt.Errorf("config: %w: %s in %q and %q", txbus.ErrDuplicateRoute, t, prev, cc.Name)
			}
			routes[t] = cc.Name
			types = append(types, t)
		}
		pool := cc.Pool.txbus(cc.Name)
		if err := pool.Validate(); err != nil {
			return nil, fmt.Errorf("config: category %q: %w", cc.Name, err)
		}
		out = append(out, txbus.Category{Name: cc.Name, Topic: cc.Topic, Tag: cc.Tag, Types: types, Pool: pool})
	}
	return out, nil
}

// Logger builds the process logger.
func (c Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if c.Log.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Logger()
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
