// Package postgres implements session.Store on PostgreSQL via GORM, for
// deployments where several agent hosts share one session table. All GORM
// usage stays inside internal/storage — session types remain ORM-light.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kizimba/internal/session"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 10
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 10
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 2
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements session.Store backed by PostgreSQL. Row upserts are
// atomic server-side, so no client-side write mutex is needed here.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects, configures the pool and runs the schema migration.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
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
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	if err := db.AutoMigrate(&session.Record{}); err != nil {
		return nil, fmt.Errorf("migrating session table: %w", err)
	}

	slogger.Info("postgres session store connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)
	return &Store{db: db, logger: slogger}, nil
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
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
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

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
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
