package storage

import (
	"context"
	"errors"
	"strings"

	logx "daymail/pkg/logx"
)

// Store is the persistence API used by the aggregation/notification services
// and the CRUD glue.
type Store interface {
	// Records
	CreateRecord(ctx context.Context, r Record) (int64, error)
	UpdateRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, kind string, id int64) error
	ListRecords(ctx context.Context, kind string) ([]Record, error)
	// FindByKindAndDate matches on the normalized calendar-day string,
	// never on a timestamp range.
	FindByKindAndDate(ctx context.Context, kind, day string) ([]Record, error)

	// Legend
	UpsertLegend(ctx context.Context, e LegendEntry) error
	GetLegend(ctx context.Context, abbr string) (LegendEntry, error)
	ListLegend(ctx context.Context) ([]LegendEntry, error)
	DeleteLegend(ctx context.Context, abbr string) error
	// TouchLegendUsage bumps usage_count/last_used. Aggregation never calls
	// this; it exists for the legend CRUD surface only.
	TouchLegendUsage(ctx context.Context, abbr string) error

	// Settings singleton
	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
