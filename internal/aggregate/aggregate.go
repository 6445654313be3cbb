// Package aggregate builds the per-day task snapshot the notification
// pipeline dispatches from.
package aggregate

import (
	"context"
	"fmt"

	"daymail/internal/legend"
	"daymail/internal/record"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

// Snapshot is the aggregator's output for one calendar day. It is a value:
// recomputed fresh on every call, never persisted.
type Snapshot struct {
	Date        string   `json:"date"`
	HasTasks    bool     `json:"hasTasksToday"`
	Codes       []string `json:"codes"`
	RecordCount int      `json:"rawRecordCount"`
}

type Service struct {
	store    storage.Store
	resolver *legend.Resolver
	log      logx.Logger
}

func New(store storage.Store, resolver *legend.Resolver, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, resolver: resolver, log: log}
}

// Aggregate scans every recognized record kind for entries dated day
// (canonical "YYYY-MM-DD") and collects their resolved codes, first-seen
// order, duplicates removed.
//
// It is a pure read: safe to call concurrently and repeatedly, and it
// mutates neither the record stores nor the legend.
func (s *Service) Aggregate(ctx context.Context, day string) (Snapshot, error) {
	norm, err := record.NormalizeDay(day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregate: %w", err)
	}

	snap := Snapshot{Date: norm, Codes: []string{}}
	seen := map[string]struct{}{}

	for _, d := range record.Kinds {
		recs, err := s.store.FindByKindAndDate(ctx, string(d.Kind), norm)
		if err != nil {
			return Snapshot{}, fmt.Errorf("aggregate %s for %s: %w", d.Kind, norm, err)
		}
		snap.RecordCount += len(recs)
		for _, r := range recs {
			code := s.resolver.Resolve(ctx, r.Code)
			if code == "" {
				continue
			}
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			snap.Codes = append(snap.Codes, code)
		}
	}

	snap.HasTasks = len(snap.Codes) > 0
	return snap, nil
}
