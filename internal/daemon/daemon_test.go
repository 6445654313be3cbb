package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"daymail/internal/aggregate"
	"daymail/internal/dispatch"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

type fakeAggregator struct {
	snap aggregate.Snapshot
	err  error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, day string) (aggregate.Snapshot, error) {
	if f.err != nil {
		return aggregate.Snapshot{}, f.err
	}
	snap := f.snap
	snap.Date = day
	return snap, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	res     dispatch.Result
	release chan struct{} // when set, SendDaily blocks until closed
	started chan struct{}
}

func (f *fakeDispatcher) SendDaily(ctx context.Context, snap aggregate.Snapshot, opt dispatch.Options) dispatch.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.res
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDaemon(t *testing.T, agg Aggregator, disp Dispatcher) *Service {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := storage.DefaultSettings()
	st.SenderAddress = "s@example.com"
	st.TargetAddress = "t@example.com"
	st.Timezone = "UTC"
	if err := store.PutSettings(context.Background(), st); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	svc := New(Config{}, store, agg, disp, logx.Nop(), nil)
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	svc := newTestDaemon(t, &fakeAggregator{}, &fakeDispatcher{})

	st1, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st1.State != StateScheduled || !st1.Running {
		t.Fatalf("unexpected status after start: %+v", st1)
	}
	if st1.NextRunAt == nil || !st1.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("expected a next run time, got %+v", st1.NextRunAt)
	}
	if st1.NotifyTime != "07:00" {
		t.Fatalf("expected default notify time, got %q", st1.NotifyTime)
	}

	st2, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if st2.State != StateScheduled {
		t.Fatalf("second start changed state: %+v", st2)
	}
}

func TestStopReturnsToStopped(t *testing.T) {
	t.Parallel()
	svc := newTestDaemon(t, &fakeAggregator{}, &fakeDispatcher{})
	if _, err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := svc.Stop()
	if st.Running || st.State != StateStopped {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	if st.NextRunAt != nil {
		t.Fatal("stopped daemon must not report a next run")
	}
	// stop again is a no-op
	if st := svc.Stop(); st.State != StateStopped {
		t.Fatalf("double stop: %+v", st)
	}
}

func TestTriggerNowDispatchesAndRecords(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{res: dispatch.Result{Success: true, MessageID: "m-1"}}
	svc := newTestDaemon(t, &fakeAggregator{snap: aggregate.Snapshot{HasTasks: true, Codes: []string{"x"}}}, disp)

	snap, res, err := svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !res.Success || res.MessageID != "m-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if snap.Date != "2026-08-31" || !snap.HasTasks {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	st := svc.Status()
	if st.LastRunAt == nil || st.LastResult == nil || !st.LastResult.Success {
		t.Fatalf("last run not recorded: %+v", st)
	}
}

func TestTriggerNowSkipsDispatchOnEmptyDay(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	svc := newTestDaemon(t, &fakeAggregator{snap: aggregate.Snapshot{}}, disp)

	_, res, err := svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !res.Success {
		t.Fatalf("empty day should be a successful cycle: %+v", res)
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatcher called %d times for an empty day", disp.callCount())
	}
}

// fireAt is a one-shot cron schedule so tests can force a tracked job
// run without waiting for the daily slot.
type fireAt struct{ at time.Time }

func (f fireAt) Next(t time.Time) time.Time {
	if t.Before(f.at) {
		return f.at
	}
	return f.at.Add(1000 * time.Hour)
}

// blockedFire starts the daemon and forces a cron-tracked fire that sits
// inside the dispatcher until release is closed.
func blockedFire(t *testing.T) (*Service, *fakeDispatcher) {
	t.Helper()
	disp := &fakeDispatcher{
		res:     dispatch.Result{Success: true},
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	svc := newTestDaemon(t, &fakeAggregator{snap: aggregate.Snapshot{HasTasks: true, Codes: []string{"x"}}}, disp)
	if _, err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.mu.Lock()
	svc.c.Schedule(fireAt{time.Now().Add(10 * time.Millisecond)}, cron.FuncJob(svc.fireScheduled))
	svc.mu.Unlock()
	<-disp.started
	return svc, disp
}

func TestStopWaitsOutInFlightFire(t *testing.T) {
	t.Parallel()
	svc, disp := blockedFire(t)

	stopped := make(chan Status, 1)
	go func() { stopped <- svc.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the dispatch was still blocked")
	case <-time.After(50 * time.Millisecond):
	}
	// Status must stay reachable while Stop drains the running job.
	_ = svc.Status()

	close(disp.release)
	select {
	case st := <-stopped:
		if st.Running || st.State != StateStopped {
			t.Fatalf("unexpected status after stop: %+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the dispatch finished")
	}
	if st := svc.Status(); st.LastRunAt == nil {
		t.Fatal("in-flight run not recorded across stop")
	}
}

func TestRescheduleWaitsOutInFlightFire(t *testing.T) {
	t.Parallel()
	svc, disp := blockedFire(t)

	resched := make(chan error, 1)
	go func() { resched <- svc.Reschedule(context.Background()) }()

	select {
	case <-resched:
		t.Fatal("Reschedule returned while the dispatch was still blocked")
	case <-time.After(50 * time.Millisecond):
	}
	_ = svc.Status()

	close(disp.release)
	select {
	case err := <-resched:
		if err != nil {
			t.Fatalf("reschedule: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reschedule did not return after the dispatch finished")
	}
	st := svc.Status()
	if st.State != StateScheduled || st.NextRunAt == nil {
		t.Fatalf("daemon not rescheduled: %+v", st)
	}
}

func TestTriggerNowUsesSettingsTimezoneWhenStopped(t *testing.T) {
	t.Parallel()
	agg := &fakeAggregator{snap: aggregate.Snapshot{HasTasks: true, Codes: []string{"x"}}}
	svc := newTestDaemon(t, agg, &fakeDispatcher{res: dispatch.Result{Success: true}})

	ctx := context.Background()
	st, err := svc.store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	st.Timezone = "Asia/Jakarta"
	if err := svc.store.PutSettings(ctx, st); err != nil {
		t.Fatalf("seed timezone: %v", err)
	}
	// 18:30 UTC is already the next calendar day in Jakarta (UTC+7).
	svc.now = func() time.Time { return time.Date(2026, 8, 31, 18, 30, 0, 0, time.UTC) }

	snap, _, err := svc.TriggerNow(ctx, "", dispatch.Options{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if snap.Date != "2026-09-01" {
		t.Fatalf("today resolved to %s, want 2026-09-01 in Asia/Jakarta", snap.Date)
	}
}

func TestTriggerNowBusyGuard(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{
		res:     dispatch.Result{Success: true},
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	svc := newTestDaemon(t, &fakeAggregator{snap: aggregate.Snapshot{HasTasks: true, Codes: []string{"x"}}}, disp)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{})
	}()
	<-disp.started

	if _, _, err := svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(disp.release)
	<-done

	// guard released: a fresh trigger goes through
	if _, _, err := svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{}); err != nil {
		t.Fatalf("trigger after release: %v", err)
	}
}

func TestFailedCycleDoesNotPoisonTheNext(t *testing.T) {
	t.Parallel()
	agg := &fakeAggregator{err: errors.New("db gone")}
	svc := newTestDaemon(t, agg, &fakeDispatcher{res: dispatch.Result{Success: true}})

	_, res, err := svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "db gone") {
		t.Fatalf("unexpected result %+v", res)
	}

	agg.err = nil
	agg.snap = aggregate.Snapshot{HasTasks: true, Codes: []string{"x"}}
	_, res, err = svc.TriggerNow(context.Background(), "2026-08-31", dispatch.Options{})
	if err != nil || !res.Success {
		t.Fatalf("next cycle after failure: res=%+v err=%v", res, err)
	}
}

func TestTriggerNowRejectsMalformedDate(t *testing.T) {
	t.Parallel()
	svc := newTestDaemon(t, &fakeAggregator{}, &fakeDispatcher{})
	if _, _, err := svc.TriggerNow(context.Background(), "31/08/2026", dispatch.Options{}); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "07:00", h: 7, m: 0},
		{in: "23:59", h: 23, m: 59},
		{in: " 9:30 ", h: 9, m: 30},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		h, m, err := parseHHMM(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseHHMM(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseHHMM(%q): %v", tc.in, err)
			continue
		}
		if h != tc.h || m != tc.m {
			t.Errorf("parseHHMM(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.h, tc.m)
		}
	}
}
