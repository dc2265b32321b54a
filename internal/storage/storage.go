// Package storage selects and opens a session.Store backend. SQLite is the
// default (single-user agent host, zero setup); PostgreSQL is for shared
// deployments where several agent hosts track sessions in one place.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/session"
	"github.com/jkaninda/kizimba/internal/storage/postgres"
	"github.com/jkaninda/kizimba/internal/storage/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open builds the session store the configuration names.
func Open(cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	driver := cfg.Storage.StorageDriver()
	switch driver {
	case DriverSQLite:
		sc := sqlite.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlite.Open(sc, logger)
	case DriverPostgres:
		if cfg.Storage == nil || cfg.Storage.Postgres == nil {
			return nil, fmt.Errorf("storage driver %q requires a postgres block", driver)
		}
		pg := cfg.Storage.Postgres
		return postgres.Open(postgres.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
