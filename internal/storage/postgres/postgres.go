// Package postgres stores job history and the reference index in PostgreSQL
// through GORM. The models and repositories here are shared with the sqlite
// package, so GORM is confined to these two packages.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/scratchd/internal/storage"
)

// Config configures the connection pool. Zero fields take defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectAttempts bounds the startup retries while the server comes up.
	ConnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	return c
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu         sync.Mutex
	jobs       storage.JobStore
	references storage.ReferenceIndex
}

// Open connects and verifies the server answers, retrying with backoff
// until ConnectAttempts is spent or ctx ends. Tables are created by Migrate.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg = cfg.withDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewLogger(logger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{db: db, logger: logger}
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = s.Ping(ctx)
		if err == nil {
			break
		}
		if attempt == cfg.ConnectAttempts {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", attempt, err)
		}
		logger.Warn("postgres not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			_ = sqlDB.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return s, nil
}

// Migrate creates or updates the job and reference tables.
func (s *Store) Migrate(ctx context.Context) error {
	return AutoMigrate(s.db.WithContext(ctx))
}

// AutoMigrate creates or updates every table on db.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverPostgres }

func (s *Store) Jobs() storage.JobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = NewJobRepository(s.db)
	}
	return s.jobs
}

func (s *Store) References() storage.ReferenceIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references == nil {
		s.references = NewReferenceRepository(s.db)
	}
	return s.references
}

var _ storage.Store = (*Store)(nil)
