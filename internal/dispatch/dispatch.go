// Package dispatch turns task snapshots into outbound notifications.
//
// Failures are data: every path returns a Result and nothing escapes the
// package boundary, so a broken transport can never take the daily cycle
// down with it. Retry policy belongs to callers (the next daily fire, or
// an explicit manual trigger).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"daymail/internal/aggregate"
	"daymail/internal/eventbus"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

type Config struct {
	SendTimeout time.Duration // bound on one dial+auth+submit; default 30s
	RatePerMin  int           // outbound cap across all callers; default 6
	Telegram    TelegramConfig
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
	return c
}

// Options override stored settings for one call (manual trigger, test
// dispatch). Zero fields fall back to the settings singleton.
type Options struct {
	To         string
	From       string
	Credential string
}

// Result reports one dispatch attempt. Ephemeral; recorded by the daemon
// as lastResult and returned to API callers.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"errorMessage,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	transport Transport
	tg        *telegramAnnouncer
	store     storage.Store
	log       logx.Logger
	bus       eventbus.Bus
}

func New(cfg Config, transport Transport, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transport: transport,
		store:     store,
		log:       log,
		bus:       bus,
		tg:        newTelegramAnnouncer(cfg.Telegram, log.With(logx.String("comp", "telegram"))),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	s.tg.apply(cfg.Telegram)
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket with burst 1: daily traffic is tiny, the limiter only
	// guards against trigger-happy manual/API callers.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 1)
}

// SendDaily dispatches the notification for snap. Recipient and sender
// default to the stored settings; opt overrides them per call.
func (s *Service) SendDaily(ctx context.Context, snap aggregate.Snapshot, opt Options) Result {
	subject := fmt.Sprintf("Tasks for %s", snap.Date)
	body := BuildBody(snap)
	res := s.send(ctx, subject, body, opt)
	if res.Success {
		s.tg.announce(ctx, body)
	}
	s.publish(res, "daily", snap.Date)
	return res
}

// SendTest dispatches a synthetic message, bypassing stored settings for
// any field supplied in opt. Used by the settings connectivity check and
// the test endpoint.
func (s *Service) SendTest(ctx context.Context, opt Options) Result {
	now := time.Now().Format("2006-01-02 15:04:05")
	body := "This is a test notification from daymail.\nSent at " + now + "."
	res := s.send(ctx, "daymail test notification", body, opt)
	s.publish(res, "test", "")
	return res
}

// Check verifies freshly written settings by sending a short verification
// message with exactly those credentials.
func (s *Service) Check(ctx context.Context, st storage.Settings) Result {
	return s.SendTest(ctx, Options{
		To:         st.TargetAddress,
		From:       st.SenderAddress,
		Credential: st.SenderCredential,
	})
}

// send is the single funnel for outbound mail. It never panics and never
// returns an error: all failures land in the Result.
func (s *Service) send(ctx context.Context, subject, body string, opt Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in dispatch", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = failure("dispatch panic: %v", r)
		}
	}()

	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.Unlock()

	m, errRes := s.resolveMessage(ctx, subject, body, opt)
	if errRes != nil {
		return *errRes
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		return failure("rate limit wait: %v", err)
	}

	start := time.Now()
	id, err := s.transport.Send(ctx, m)
	dur := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("send timed out after %s: %w", cfg.SendTimeout, err)
		}
		s.log.Warn("dispatch failed", logx.String("to", m.To), logx.Duration("dur", dur), logx.Err(err))
		return failure("%v", err)
	}
	s.log.Info("dispatch sent", logx.String("to", m.To), logx.String("message_id", id), logx.Duration("dur", dur))
	return Result{Success: true, MessageID: id}
}

// resolveMessage fills From/Credential/To from stored settings unless
// overridden, and rejects incomplete configurations.
func (s *Service) resolveMessage(ctx context.Context, subject, body string, opt Options) (Message, *Result) {
	m := Message{
		From:       strings.TrimSpace(opt.From),
		Credential: opt.Credential,
		To:         strings.TrimSpace(opt.To),
		Subject:    subject,
		Body:       body,
	}
	if m.From == "" || m.Credential == "" || m.To == "" {
		st, err := s.store.GetSettings(ctx)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				r := failure("settings unavailable: %v", err)
				return Message{}, &r
			}
			st = storage.DefaultSettings()
		}
		if m.From == "" {
			m.From = strings.TrimSpace(st.SenderAddress)
		}
		if m.Credential == "" {
			m.Credential = st.SenderCredential
		}
		if m.To == "" {
			m.To = strings.TrimSpace(st.TargetAddress)
		}
	}

	switch {
	case m.To == "":
		r := failure("no recipient configured")
		return Message{}, &r
	case m.From == "":
		r := failure("no sender address configured")
		return Message{}, &r
	case m.Credential == "":
		r := failure("no sender credential configured")
		return Message{}, &r
	}
	return m, nil
}

func (s *Service) publish(res Result, kind, date string) {
	if s.bus == nil {
		return
	}
	typ := "notify.sent"
	if !res.Success {
		typ = "notify.failed"
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"kind":       kind,
		"date":       date,
		"message_id": res.MessageID,
		"error":      res.Error,
	}})
}

// BuildBody renders the plain-text daily summary for one snapshot.
func BuildBody(snap aggregate.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled for %s:\n\n", snap.Date)
	if !snap.HasTasks {
		b.WriteString("Nothing scheduled.\n")
		return b.String()
	}
	for _, code := range snap.Codes {
		fmt.Fprintf(&b, "  - %s\n", code)
	}
	fmt.Fprintf(&b, "\n%d item(s) from %d record(s).\n", len(snap.Codes), snap.RecordCount)
	return b.String()
}
