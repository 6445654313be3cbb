// Package preview projects aggregated day snapshots over a rolling
// window around today, annotated with relative-day flags for display.
package preview

import (
	"context"
	"fmt"
	"sort"
	"time"

	"daymail/internal/aggregate"
	"daymail/internal/record"
	logx "daymail/pkg/logx"
)

const (
	// DefaultDays is the total size of the window in days.
	DefaultDays = 14
	// DefaultHistory is how many of those days precede today.
	DefaultHistory = 7

	maxDays    = 92
	maxHistory = 31
)

// DayEntry is one day of the window.
type DayEntry struct {
	aggregate.Snapshot

	IsToday      bool   `json:"isToday"`
	IsTomorrow   bool   `json:"isTomorrow"`
	IsYesterday  bool   `json:"isYesterday"`
	IsHistorical bool   `json:"isHistorical"`
	Display      string `json:"displayDate"`
}

// Window is the full projection returned to callers, entries sorted by
// date ascending.
type Window struct {
	Today   string     `json:"today"`
	Days    []DayEntry `json:"days"`
	Tasked  int        `json:"daysWithTasks"`
	Records int        `json:"totalRecords"`
}

type Aggregator interface {
	Aggregate(ctx context.Context, day string) (aggregate.Snapshot, error)
}

// Locator reports the timezone day boundaries are computed in. The
// daemon provides it so a preview's "today" is the same calendar day
// the daily fire will use.
type Locator interface {
	Location(ctx context.Context) *time.Location
}

type Service struct {
	agg Aggregator
	loc Locator
	log logx.Logger
	now func() time.Time
}

func New(agg Aggregator, loc Locator, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{agg: agg, loc: loc, log: log, now: time.Now}
}

func (s *Service) location(ctx context.Context) *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc.Location(ctx)
}

// Day aggregates a single day. Empty date means today.
func (s *Service) Day(ctx context.Context, date string) (DayEntry, error) {
	today := s.now().In(s.location(ctx)).Format(record.DayLayout)
	if date == "" {
		date = today
	}
	day, err := record.NormalizeDay(date)
	if err != nil {
		return DayEntry{}, err
	}
	snap, err := s.agg.Aggregate(ctx, day)
	if err != nil {
		return DayEntry{}, err
	}
	return s.annotate(snap, today), nil
}

// Project builds a window of days total entries, of which history fall
// before today and the remainder run forward starting at today. Zero
// arguments take the defaults; the result is always sorted ascending
// regardless of aggregation order.
func (s *Service) Project(ctx context.Context, days, history int) (Window, error) {
	if days <= 0 {
		days = DefaultDays
	}
	if history < 0 {
		history = DefaultHistory
	}
	if days > maxDays {
		days = maxDays
	}
	if history > maxHistory {
		history = maxHistory
	}
	if history >= days {
		history = days - 1
	}

	now := s.now().In(s.location(ctx))
	today := now.Format(record.DayLayout)
	w := Window{Today: today, Days: make([]DayEntry, 0, days)}

	for off := -history; off < days-history; off++ {
		day := now.AddDate(0, 0, off).Format(record.DayLayout)
		snap, err := s.agg.Aggregate(ctx, day)
		if err != nil {
			return Window{}, fmt.Errorf("aggregate %s: %w", day, err)
		}
		w.Days = append(w.Days, s.annotate(snap, today))
	}

	sort.Slice(w.Days, func(i, j int) bool { return w.Days[i].Date < w.Days[j].Date })

	for _, d := range w.Days {
		if d.HasTasks {
			w.Tasked++
		}
		w.Records += d.RecordCount
	}
	return w, nil
}

func (s *Service) annotate(snap aggregate.Snapshot, today string) DayEntry {
	e := DayEntry{Snapshot: snap}
	t, err := time.Parse(record.DayLayout, snap.Date)
	if err != nil {
		// Snapshot dates are normalized upstream; fall back to the raw string.
		e.Display = snap.Date
		return e
	}
	ref, _ := time.Parse(record.DayLayout, today)
	switch int(t.Sub(ref).Hours() / 24) {
	case 0:
		e.IsToday = true
		e.Display = "Today"
	case 1:
		e.IsTomorrow = true
		e.Display = "Tomorrow"
	case -1:
		e.IsYesterday = true
		e.IsHistorical = true
		e.Display = "Yesterday"
	default:
		e.IsHistorical = snap.Date < today
		e.Display = t.Format("Mon, Jan 2")
	}
	return e
}
