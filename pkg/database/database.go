package database

import (
	"context"
	"database/sql"
	"fmt"

	"proxy-service/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type DB struct {
	*bun.DB
}

// Open returns a DB for dsn without connecting.
func Open(dsn string) *DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &DB{bun.NewDB(sqldb, pgdialect.New())}
}

// NewDB opens dsn and checks the connection.
func NewDB(dsn string) (*DB, error) {
	db := Open(dsn)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// InitSchema creates the block_events table and its indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.BlockEvent)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.BlockEvent)(nil)).
		Index("block_events_target_created_at_idx").
		Column("target", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
