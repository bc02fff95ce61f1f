// Package sqlite is the default history store: one local file through the
// pure-Go glebarez/sqlite GORM driver, no CGO.
//
// It reuses the postgres package's models and repositories; the GORM
// dialect covers the SQL differences.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/scratchd/internal/storage"
	pgstore "github.com/jkaninda/scratchd/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string
	JournalMode string        // Default: wal.
	BusyTimeout time.Duration // Default: 5s.
}

// dsn renders the file path with its connection pragmas.
func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("journal_mode(%s)", mode),
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
		"foreign_keys(ON)",
	}
	if strings.EqualFold(mode, "wal") {
		pragmas = append(pragmas, "synchronous(NORMAL)")
	}
	q := url.Values{"_pragma": pragmas}
	return c.Path + "?" + q.Encode()
}

// Store implements storage.Store backed by a single SQLite file.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	mu         sync.Mutex
	jobs       storage.JobStore
	references storage.ReferenceIndex
}

// Open creates the database file and its directory if needed. Writes go
// through one connection; SQLite serializes writers anyway and this keeps
// history recording from tripping SQLITE_BUSY.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

// Migrate creates the tables from the shared models.
func (s *Store) Migrate(ctx context.Context) error {
	return pgstore.AutoMigrate(s.db.WithContext(ctx))
}

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

func (s *Store) Jobs() storage.JobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = pgstore.NewJobRepository(s.db)
	}
	return s.jobs
}

func (s *Store) References() storage.ReferenceIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references == nil {
		s.references = pgstore.NewReferenceRepository(s.db)
	}
	return s.references
}

var _ storage.Store = (*Store)(nil)
