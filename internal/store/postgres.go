package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a Postgres database through the pgx stdlib driver.
// Statements are shared with SQLite and rebound to $n placeholders.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{
		db:      db,
		dialect: dialectPostgres,
		logger:  logger.With("component", "store", "driver", "pgx"),
	}, nil
}
