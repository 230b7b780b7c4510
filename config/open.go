package config

import (
	"context"
	"fmt"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/gormstore"
	"github.com/trickstertwo/txbus/adapter/memory"
	"github.com/trickstertwo/txbus/adapter/redisstream"
)

// Memory returns the memory transport settings.
func (c Config) Memory() memory.Config {
	m := memory.Defaults()
	m.CheckImmunity = c.Transaction.CheckImmunity
	m.CheckInterval = c.Transaction.CheckInterval
	m.MaxChecks = c.Transaction.MaxChecks
	m.CheckLoop = c.Transaction.CheckLoop
	return m
}

// RedisStream returns the Redis Streams transport settings.
func (c Config) RedisStream() redisstream.Config {
	r := redisstream.Defaults()
	r.Addr = c.Redis.Addr
	r.Username = c.Redis.Username
	r.Password = c.Redis.Password
	r.DB = c.Redis.DB
	r.TLS = c.Redis.TLS
	if c.Redis.Group != "" {
		r.Group = c.Redis.Group
	}
	if c.Redis.Consumer != "" {
		r.Consumer = c.Redis.Consumer
	}
	r.KeyPrefix = c.Redis.KeyPrefix
	r.DeadLetter = c.Redis.DeadLetter
	r.CheckImmunity = c.Transaction.CheckImmunity
	r.CheckInterval = c.Transaction.CheckInterval
	r.MaxChecks = c.Transaction.MaxChecks
	r.CheckLoop = c.Transaction.CheckLoop
	return r
}

// Apply copies the transport-independent settings onto b.
func (c Config) Apply(b *txbus.Builder) error {
	cats, err := c.TxbusCategories()
	if err != nil {
		return err
	}
	b.WithLogger(c.Logger()).
		WithAckTimeout(c.Timeouts.Ack).
		WithPublishTimeout(c.Timeouts.Publish).
		WithRelayTimeout(c.Timeouts.Relay).
		WithDrainTimeout(c.Timeouts.Drain).
		WithLedgerTTL(c.Ledger.TTL).
		WithExecuteTimeout(c.Ledger.ExecuteTimeout).
		WithTransactionTopic(c.Transaction.Topic).
		WithTransactionPool(c.Transaction.Pool.txbus("transaction")).
		WithCategory(cats...)

	if c.Breaker.Enabled {
		bc := txbus.DefaultBreakerConfig()
		if c.Breaker.Timeout > 0 {
			bc.Timeout = c.Breaker.Timeout
		}
		if c.Breaker.MinRequests > 0 {
			bc.MinRequests = c.Breaker.MinRequests
		}
		if c.Breaker.FailureRatio > 0 {
			bc.FailureRatio = c.Breaker.FailureRatio
		}
		b.WithCircuitBreaker(bc)
	}
	return nil
}

// Open builds a Coordinator on the configured transport. When a Postgres
// DSN is set, the account store is connected, migrated and registered as
// the merge-accounts mutation. init runs last and may override anything.
func Open(ctx context.Context, cfg Config, init func(b *txbus.Builder)) (*txbus.Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store *gormstore.Store
	if cfg.Postgres.DSN != "" {
		pool := gormstore.DefaultPoolConfig()
		pool.MaxOpenConns = cfg.Postgres.MaxOpenConns
		pool.MaxIdleConns = cfg.Postgres.MaxIdleConns
		db, err := gormstore.Connect(ctx, cfg.Postgres.DSN, pool)
		if err != nil {
			return nil, err
		}
		if err := gormstore.Migrate(ctx, db); err != nil {
			return nil, err
		}
		store = gormstore.New(db, cfg.Logger())
	}

	var applyErr error
	setup := func(b *txbus.Builder) {
		applyErr = cfg.Apply(b)
		if store != nil {
			b.WithMutation(txbus.EventMergeAccounts, store.MergeMutation())
		}
		if init != nil {
			init(b)
		}
	}

	switch cfg.Transport {
	case redisstream.TransportName:
		coord, _, err := redisstream.Use(cfg.RedisStream(), setup)
		if err != nil {
			return nil, err
		}
		if applyErr != nil {
			_ = coord.Close(ctx)
			return nil, applyErr
		}
		return coord, nil
	default:
		coord, _, err := memory.Open(cfg.Memory(), setup)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if applyErr != nil {
			_ = coord.Close(ctx)
			return nil, fmt.Errorf("config: %w", applyErr)
		}
		return coord, nil
	}
}
