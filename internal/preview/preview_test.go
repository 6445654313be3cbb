package preview

import (
	"context"
	"errors"
	"testing"
	"time"

	"daymail/internal/aggregate"
	logx "daymail/pkg/logx"
)

type fakeAggregator struct {
	tasked map[string][]string // date -> codes
	err    error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, day string) (aggregate.Snapshot, error) {
	if f.err != nil {
		return aggregate.Snapshot{}, f.err
	}
	codes := f.tasked[day]
	return aggregate.Snapshot{
		Date:        day,
		HasTasks:    len(codes) > 0,
		Codes:       codes,
		RecordCount: len(codes),
	}, nil
}

type fixedZone struct{ loc *time.Location }

func (f fixedZone) Location(ctx context.Context) *time.Location { return f.loc }

func newTestService(agg Aggregator, now time.Time) *Service {
	s := New(agg, fixedZone{time.UTC}, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

func TestProjectWindowShapeAndOrder(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeAggregator{tasked: map[string][]string{
		"2026-08-30": {"Morning shift"},
		"2026-09-02": {"Expense report", "Team supervision"},
	}}, now)

	w, err := svc.Project(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if got := len(w.Days); got != DefaultDays {
		t.Fatalf("got %d days, want %d", got, DefaultDays)
	}
	if w.Days[0].Date != "2026-08-24" {
		t.Fatalf("window starts at %s", w.Days[0].Date)
	}
	if last := w.Days[len(w.Days)-1].Date; last != "2026-09-06" {
		t.Fatalf("window ends at %s", last)
	}
	for i := 1; i < len(w.Days); i++ {
		if w.Days[i-1].Date >= w.Days[i].Date {
			t.Fatalf("days out of order: %s before %s", w.Days[i-1].Date, w.Days[i].Date)
		}
	}
	if w.Tasked != 2 || w.Records != 3 {
		t.Fatalf("totals wrong: tasked=%d records=%d", w.Tasked, w.Records)
	}
}

func TestProjectRelativeFlags(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 23, 30, 0, 0, time.UTC)
	svc := newTestService(&fakeAggregator{}, now)

	w, err := svc.Project(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	flags := map[string]int{}
	for _, d := range w.Days {
		if d.IsToday {
			flags["today"]++
			if d.Date != "2026-08-31" || d.Display != "Today" {
				t.Fatalf("wrong today entry: %+v", d)
			}
			if d.IsHistorical {
				t.Fatal("today flagged historical")
			}
		}
		if d.IsTomorrow {
			flags["tomorrow"]++
			if d.Date != "2026-09-01" {
				t.Fatalf("wrong tomorrow entry: %+v", d)
			}
		}
		if d.IsYesterday {
			flags["yesterday"]++
			if d.Date != "2026-08-30" || !d.IsHistorical {
				t.Fatalf("wrong yesterday entry: %+v", d)
			}
		}
		if d.Date < "2026-08-30" && !d.IsHistorical {
			t.Fatalf("past day %s not historical", d.Date)
		}
	}
	for _, k := range []string{"today", "tomorrow", "yesterday"} {
		if flags[k] != 1 {
			t.Fatalf("expected exactly one %s entry, got %d", k, flags[k])
		}
	}
}

func TestTodayFollowsConfiguredZone(t *testing.T) {
	t.Parallel()
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	// 18:30 UTC is already the next calendar day in Jakarta (UTC+7).
	now := time.Date(2026, 8, 31, 18, 30, 0, 0, time.UTC)
	svc := New(&fakeAggregator{}, fixedZone{jakarta}, logx.Nop())
	svc.now = func() time.Time { return now }

	w, err := svc.Project(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if w.Today != "2026-09-01" {
		t.Fatalf("window today = %s, want 2026-09-01 in Asia/Jakarta", w.Today)
	}
	for _, d := range w.Days {
		if d.IsToday && d.Date != "2026-09-01" {
			t.Fatalf("wrong today entry: %+v", d)
		}
	}

	e, err := svc.Day(context.Background(), "")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if e.Date != "2026-09-01" || !e.IsToday {
		t.Fatalf("default day ignored the zone: %+v", e)
	}
}

func TestProjectClampsBounds(t *testing.T) {
	t.Parallel()
	svc := newTestService(&fakeAggregator{}, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	w, err := svc.Project(context.Background(), 10000, 10000)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if got := len(w.Days); got != maxDays {
		t.Fatalf("clamp failed, got %d days", got)
	}
}

func TestProjectPropagatesAggregateError(t *testing.T) {
	t.Parallel()
	svc := newTestService(&fakeAggregator{err: errors.New("boom")}, time.Now())
	if _, err := svc.Project(context.Background(), 3, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestDaySingle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeAggregator{tasked: map[string][]string{
		"2026-08-31": {"Morning shift"},
	}}, now)

	e, err := svc.Day(context.Background(), "")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if !e.IsToday || !e.HasTasks {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, err := svc.Day(context.Background(), "not-a-date"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}
