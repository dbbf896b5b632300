package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// BlockEvent records a proxy being excluded for a target.
type BlockEvent struct {
	bun.BaseModel `bun:"table:block_events,alias:be"`

	ID         uuid.UUID `bun:",pk,type:uuid"`
	Target     string    `bun:",notnull"`
	ProxyID    string    `bun:",notnull"`
	ProxyURL   string    `bun:",notnull"` // credentials stripped
	Reason     string    `bun:",notnull"` // "status" or "transport"
	StatusCode int
	ErrorKind  string
	Retried    bool      `bun:",notnull,default:false"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// BlockStat is one row of the aggregated block-event report.
type BlockStat struct {
	Target  string    `bun:"target"`
	ProxyID string    `bun:"proxy_id"`
	Count   int       `bun:"count"`
	Last    time.Time `bun:"last"`
}
