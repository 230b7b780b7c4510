// Package gormstore is the relational system of record behind the
// merge-accounts mutation.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/trickstertwo/txbus"
)

// ErrAccountNotFound is returned when a merge names a missing or deleted account.
var ErrAccountNotFound = errors.New("gormstore: account not found")

// PoolConfig tunes the database/sql pool under GORM.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns conservative pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxIdleTime: 15 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// Connect opens a Postgres-backed GORM pool and pings it.
func Connect(ctx context.Context, dsn string, pool PoolConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the store tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Account{}, &AccountIdentity{}, &MergeLog{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Store applies account mutations.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
	clock  clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock stamps merge logs from c.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New returns a Store over db.
func New(db *gorm.DB, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{db: db, logger: logger, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MergeAccounts moves every identity of source onto target and retires
// source, all in one database transaction. A merge already logged under
// eventID is a no-op, so replays after a lost ledger write are harmless.
func (s *Store) MergeAccounts(ctx context.Context, eventID, source, target string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var logged int64
		if err := tx.Model(&MergeLog{}).Where("event_id = ?", eventID).Count(&logged).Error; err != nil {
			return err
		}
		if logged > 0 {
			s.logger.Debug().Str("event_id", eventID).Msg("gormstore: merge already applied")
			return nil
		}

		for _, id := range []string{source, target} {
			var acc Account
			err := tx.Where("id = ? AND deleted = ?", id, false).Take(&acc).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
			if err != nil {
				return err
			}
		}

		if err := tx.Model(&AccountIdentity{}).
			Where("account_id = ?", source).
			Update("account_id", target).Error; err != nil {
			return fmt.Errorf("move identities: %w", err)
		}

		now := s.clock.Now().UTC()
		if err := tx.Model(&Account{}).Where("id = ?", source).Updates(map[string]any{
			"merged_into": target,
			"deleted":     true,
			"merged_at":   now,
		}).Error; err != nil {
			return fmt.Errorf("retire source: %w", err)
		}

		return tx.Create(&MergeLog{EventID: eventID, Source: source, Target: target, MergedAt: now}).Error
	})
}

// MergeMutation adapts MergeAccounts to the executor.
func (s *Store) MergeMutation() txbus.Mutation {
	return func(ctx context.Context, env txbus.Envelope) error {
		p := env.MergeAccounts
		if p == nil {
			return txbus.ErrInvalidEnvelope
		}
		return s.MergeAccounts(ctx, env.EventID, p.SourceAccountID, p.TargetAccountID)
	}
}

// Merged reports whether a merge was logged for eventID.
func (s *Store) Merged(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MergeLog{}).Where("event_id = ?", eventID).Count(&n).Error
	return n > 0, err
}
