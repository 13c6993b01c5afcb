// Package persistence opens the database selected by configuration.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/db"
)

// Provide creates the database connection used by repositories. The
// memory driver has no database and yields a nil connection.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, func() error, error) {
	switch cfg.Driver {
	case "memory":
		log.Info("Database disabled, session history kept in memory")
		return nil, func() error { return nil }, nil
	case "", "sqlite":
		dbConn, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", "sqlite"))
		cleanup := func() error {
			// Refresh planner statistics before closing.
			_, _ = dbConn.Exec("PRAGMA optimize")
			return dbConn.Close()
		}
		return sqlx.NewDb(dbConn, db.SQLite3), cleanup, nil
	case "postgres":
		dbConn, err := db.OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		return sqlx.NewDb(dbConn, db.PGX), dbConn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
