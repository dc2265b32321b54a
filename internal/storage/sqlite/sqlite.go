// Package sqlite implements session.Store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, with WAL mode enabled by default for concurrent reads.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kizimba/internal/session"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements session.Store backed by a single SQLite file. Writes go
// through one mutex: SQLite allows a single writer, and serializing here is
// cheaper than retrying on SQLITE_BUSY.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	writeMu sync.Mutex
}

// Open creates the database file (and parent directory) if needed and runs
// the schema migration.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&session.Record{}); err != nil {
		return nil, fmt.Errorf("migrating session table: %w", err)
	}

	slogger.Info("sqlite session store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

func (s *Store) Get(ctx context.Context, threadID string) (*session.Record, error) {
	var record session.Record
	err := s.db.WithContext(ctx).First(&record, "thread_id = ?", threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) Save(ctx context.Context, record *session.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.WithContext(ctx).
		Delete(&session.Record{}, "thread_id = ?", threadID).Error
}

func (s *Store) List(ctx context.Context) ([]*session.Record, error) {
	var records []*session.Record
	if err := s.db.WithContext(ctx).
		Order("created_at").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ session.Store = (*Store)(nil)
