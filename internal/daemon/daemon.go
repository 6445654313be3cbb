// Package daemon owns the daily notification cycle: a timezone-pinned
// cron schedule derived from the stored settings, a single in-flight
// guard shared between scheduled and manual fires, and the last-run
// bookkeeping surfaced over the API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"daymail/internal/aggregate"
	"daymail/internal/dispatch"
	"daymail/internal/eventbus"
	"daymail/internal/record"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

// State is the daemon lifecycle. Transitions are Stopped -> Scheduled on
// Start, Scheduled -> Firing while a dispatch runs, and back.
type State string

const (
	StateStopped   State = "stopped"
	StateScheduled State = "scheduled"
	StateFiring    State = "firing"
)

// ErrBusy is returned when a fire is requested while another dispatch is
// still in flight. The requested fire is skipped, not queued.
var ErrBusy = errors.New("daemon: dispatch already in flight")

type Config struct {
	FallbackTimezone string        // used when settings carry no valid zone
	FireTimeout      time.Duration // bound on one full aggregate+dispatch cycle
}

func (c Config) withDefaults() Config {
	if c.FireTimeout <= 0 {
		c.FireTimeout = 2 * time.Minute
	}
	return c
}

// Aggregator and Dispatcher are the two collaborators a fire needs.
type Aggregator interface {
	Aggregate(ctx context.Context, day string) (aggregate.Snapshot, error)
}

type Dispatcher interface {
	SendDaily(ctx context.Context, snap aggregate.Snapshot, opt dispatch.Options) dispatch.Result
}

// Status is the externally visible daemon state.
type Status struct {
	Running    bool             `json:"running"`
	State      State            `json:"state"`
	NotifyTime string           `json:"notifyTime,omitempty"`
	Timezone   string           `json:"timezone,omitempty"`
	NextRunAt  *time.Time       `json:"nextRunAt,omitempty"`
	LastRunAt  *time.Time       `json:"lastRunAt,omitempty"`
	LastResult *dispatch.Result `json:"lastResult,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	agg   Aggregator
	disp  Dispatcher
	log   logx.Logger
	bus   eventbus.Bus

	parser     cron.Parser
	c          *cron.Cron
	schedule   cron.Schedule
	state      State
	loc        *time.Location
	notifyTime string

	inFlight atomic.Bool
	now      func() time.Time

	lastRunAt  *time.Time
	lastResult *dispatch.Result
}

func New(cfg Config, store storage.Store, agg Aggregator, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		agg:    agg,
		disp:   disp,
		log:    log,
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		state:  StateStopped,
		loc:    time.UTC,
		now:    time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start schedules the daily fire from the stored settings. Calling Start
// while already scheduled or firing is a no-op that returns the current
// status unchanged.
func (s *Service) Start(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return s.statusLocked(), nil
	}
	if err := s.scheduleLocked(ctx); err != nil {
		return s.statusLocked(), err
	}
	s.log.Info("daemon started",
		logx.String("at", s.notifyTime),
		logx.String("tz", s.loc.String()))
	s.publish("daemon.started", nil)
	return s.statusLocked(), nil
}

// Stop halts the schedule. Last-run bookkeeping survives the stop. An
// in-flight dispatch is allowed to finish; the drain happens outside
// s.mu because the running job needs the lock to record its result.
func (s *Service) Stop() Status {
	s.mu.Lock()
	if s.state == StateStopped {
		st := s.statusLocked()
		s.mu.Unlock()
		return st
	}
	c := s.c
	s.c = nil
	s.schedule = nil
	s.state = StateStopped
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.log.Info("daemon stopped")
	s.publish("daemon.stopped", nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Reschedule rebuilds the cron entry from the current settings. It is a
// no-op while stopped; the next Start reads settings fresh anyway. As in
// Stop, the old cron drains with s.mu released so an in-flight fire can
// complete.
func (s *Service) Reschedule(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		// Lost a race with Stop while draining; stay stopped.
		return nil
	}
	if err := s.scheduleLocked(ctx); err != nil {
		s.state = StateStopped
		return err
	}
	s.log.Info("daemon rescheduled",
		logx.String("at", s.notifyTime),
		logx.String("tz", s.loc.String()))
	return nil
}

// scheduleLocked reads settings, builds a tz-pinned cron and registers
// the daily entry. Caller holds s.mu.
func (s *Service) scheduleLocked(ctx context.Context) error {
	st, err := s.store.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load settings: %w", err)
		}
		st = storage.DefaultSettings()
	}

	h, m, err := parseHHMM(st.NotifyTime)
	if err != nil {
		return fmt.Errorf("notify time: %w", err)
	}
	s.notifyTime = fmt.Sprintf("%02d:%02d", h, m)
	s.loc = s.resolveLocation(st.Timezone, s.cfg.FallbackTimezone)

	spec := fmt.Sprintf("%d %d * * *", m, h)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	c.Schedule(sched, cron.FuncJob(s.fireScheduled))
	c.Start()
	s.c = c
	s.schedule = sched
	s.state = StateScheduled
	return nil
}

func (s *Service) resolveLocation(tz, fallback string) *time.Location {
	for _, candidate := range []string{strings.TrimSpace(tz), strings.TrimSpace(fallback)} {
		if candidate == "" {
			continue
		}
		loc, err := time.LoadLocation(candidate)
		if err != nil {
			s.log.Warn("invalid timezone", logx.String("tz", candidate), logx.Err(err))
			continue
		}
		return loc
	}
	return time.UTC
}

// Location is the zone daily boundaries are computed in: the active
// schedule's zone while running, otherwise whatever the stored settings
// resolve to. Previews and manual triggers use it so their "today"
// matches the one the daily fire will use.
func (s *Service) Location(ctx context.Context) *time.Location {
	s.mu.Lock()
	if s.state != StateStopped {
		loc := s.loc
		s.mu.Unlock()
		return loc
	}
	fallback := s.cfg.FallbackTimezone
	s.mu.Unlock()

	st, err := s.store.GetSettings(ctx)
	if err != nil {
		st = storage.DefaultSettings()
	}
	return s.resolveLocation(st.Timezone, fallback)
}

// fireScheduled is the cron callback. Overlap with a still-running fire
// is skipped outright; there is no catch-up for missed slots.
func (s *Service) fireScheduled() {
	s.mu.Lock()
	timeout := s.cfg.FireTimeout
	loc := s.loc
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	today := s.now().In(loc).Format(record.DayLayout)
	if _, _, err := s.fire(ctx, today, dispatch.Options{}); err != nil {
		if errors.Is(err, ErrBusy) {
			s.log.Warn("scheduled fire skipped, previous dispatch still running", logx.String("date", today))
			s.publish("daemon.skipped", map[string]string{"date": today})
			return
		}
		s.log.Warn("scheduled fire failed", logx.String("date", today), logx.Err(err))
	}
}

// TriggerNow runs one cycle immediately for the given day (empty means
// today in the configured zone). It shares the in-flight guard with the
// scheduled fire and returns ErrBusy instead of queueing. The snapshot
// is returned alongside the dispatch result so callers can show what
// the cycle saw.
func (s *Service) TriggerNow(ctx context.Context, date string, opt dispatch.Options) (aggregate.Snapshot, dispatch.Result, error) {
	if strings.TrimSpace(date) == "" {
		date = s.now().In(s.Location(ctx)).Format(record.DayLayout)
	} else {
		day, err := record.NormalizeDay(date)
		if err != nil {
			return aggregate.Snapshot{}, dispatch.Result{}, err
		}
		date = day
	}
	return s.fire(ctx, date, opt)
}

// fire runs aggregate+dispatch for one day under the in-flight guard.
// Dispatch failures land in the Result and the returned error stays nil;
// the schedule must survive every bad day.
func (s *Service) fire(ctx context.Context, date string, opt dispatch.Options) (aggregate.Snapshot, dispatch.Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return aggregate.Snapshot{}, dispatch.Result{}, ErrBusy
	}
	defer s.inFlight.Store(false)

	s.setFiring(true)
	defer s.setFiring(false)

	started := time.Now()
	var res dispatch.Result

	snap, err := s.agg.Aggregate(ctx, date)
	switch {
	case err != nil:
		res = dispatch.Result{Error: fmt.Sprintf("aggregate %s: %v", date, err)}
	case !snap.HasTasks:
		// Nothing due: a successful cycle with no outbound message.
		res = dispatch.Result{Success: true}
		s.log.Info("no tasks for day, dispatch skipped", logx.String("date", date))
	default:
		res = s.disp.SendDaily(ctx, snap, opt)
	}

	s.recordRun(started, res)
	s.publish("daemon.fired", map[string]string{"date": date, "error": res.Error})
	return snap, res, nil
}

func (s *Service) setFiring(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case on && s.state == StateScheduled:
		s.state = StateFiring
	case !on && s.state == StateFiring:
		s.state = StateScheduled
	}
}

func (s *Service) recordRun(at time.Time, res dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunAt = &at
	s.lastResult = &res
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	st := Status{
		Running:    s.state != StateStopped,
		State:      s.state,
		NotifyTime: s.notifyTime,
		LastRunAt:  s.lastRunAt,
		LastResult: s.lastResult,
	}
	if s.state != StateStopped {
		st.Timezone = s.loc.String()
		if s.schedule != nil {
			next := s.schedule.Next(s.now().In(s.loc))
			st.NextRunAt = &next
		}
	}
	return st
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
