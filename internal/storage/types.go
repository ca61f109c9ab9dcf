package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path
//   - "sqlite": SQLite database at Path
//   - "redis": server at URL, keys under KeyPrefix
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	URL         string
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
	AuditMax    int           // redis only; 0 means default
}

// Delivery is one delivered broadcast message.
type Delivery struct {
	TargetKey string `json:"target_key"`
	MessageID int64  `json:"message_id"`
}

// Generation is the full ledger of one broadcast.
type Generation struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	Records   []Delivery `json:"records"`
}

func (g Generation) IsZero() bool { return g.ID == "" && len(g.Records) == 0 }

// AuditEntry records a broadcast or recall.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"`
	Action     string    `json:"action"`
	Generation string    `json:"generation,omitempty"`
	Targets    int       `json:"targets"`
	OK         int       `json:"ok"`
	Fail       int       `json:"fail"`
	Skip       int       `json:"skip"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
	MetaJSON   string    `json:"meta,omitempty"`
}

// Store is the persistence API used by the services.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	// SaveDeliveries replaces the stored ledger with g.
	SaveDeliveries(ctx context.Context, g Generation) error
	// LoadDeliveries returns the stored ledger, or a zero Generation.
	LoadDeliveries(ctx context.Context) (Generation, error)
	ClearDeliveries(ctx context.Context) error

	IsBlocked(ctx context.Context, targetKey string) (bool, error)
	SetBlocked(ctx context.Context, targetKey string, blocked bool) error
	BlockedKeys(ctx context.Context) ([]string, error)

	Close() error
}
