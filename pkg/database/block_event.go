package database

import (
	"context"
	"fmt"
	"time"

	"proxy-service/pkg/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RecordBlock saves a block event. It satisfies routing.Recorder.
func (db *DB) RecordBlock(ctx context.Context, event *models.BlockEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	_, err := db.NewInsert().
		Model(event).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting block event: %w", err)
	}

	return nil
}

// GetBlockStats counts block events per target and proxy, most blocked first.
// An empty target covers all targets; a zero since covers all time.
func (db *DB) GetBlockStats(ctx context.Context, target string, since time.Time) ([]models.BlockStat, error) {
	var stats []models.BlockStat
	if err := db.blockStatsQuery(target, since).Scan(ctx, &stats); err != nil {
		return nil, fmt.Errorf("error getting block stats: %w", err)
	}
	return stats, nil
}

func (db *DB) blockStatsQuery(target string, since time.Time) *bun.SelectQuery {
	q := db.NewSelect().
		Model((*models.BlockEvent)(nil)).
		Column("target", "proxy_id").
		ColumnExpr("count(*) AS count").
		ColumnExpr("max(created_at) AS last").
		Group("target", "proxy_id").
		OrderExpr("count DESC, target, proxy_id")

	if target != "" {
		q = q.Where("target = ?", target)
	}
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	return q
}
