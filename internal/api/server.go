// Package api exposes the scheduler, preview, dispatch and storage
// surfaces over HTTP JSON.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"daymail/internal/aggregate"
	"daymail/internal/daemon"
	"daymail/internal/dispatch"
	"daymail/internal/eventbus"
	"daymail/internal/preview"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

type Config struct {
	Addr         string
	Token        string // optional bearer token; empty disables auth
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Daemon, Dispatcher and Previewer are the service surfaces the handlers
// call. The concrete services satisfy them; tests swap in fakes.
type Daemon interface {
	Start(ctx context.Context) (daemon.Status, error)
	Stop() daemon.Status
	Status() daemon.Status
	TriggerNow(ctx context.Context, date string, opt dispatch.Options) (aggregate.Snapshot, dispatch.Result, error)
	Reschedule(ctx context.Context) error
}

type Dispatcher interface {
	SendTest(ctx context.Context, opt dispatch.Options) dispatch.Result
	Check(ctx context.Context, st storage.Settings) dispatch.Result
}

type Previewer interface {
	Day(ctx context.Context, date string) (preview.DayEntry, error)
	Project(ctx context.Context, days, history int) (preview.Window, error)
}

type Deps struct {
	Daemon   Daemon
	Dispatch Dispatcher
	Preview  Previewer
	Store    storage.Store
	Bus      eventbus.Bus
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	deps Deps

	ln    net.Listener
	srv   *http.Server
	ring  *eventRing
	unsub func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log, ring: newEventRing(128)}
}

// Start binds the listener and serves in the background. The returned
// error covers bind failures only; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8323"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if s.deps.Bus != nil {
		ch, unsub := s.deps.Bus.Subscribe(64)
		s.unsub = unsub
		go func() {
			for e := range ch {
				s.ring.add(e)
			}
		}()
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	unsub := s.unsub
	s.srv = nil
	s.ln = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("api stopped")
}

// Addr reports the bound listen address, empty when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the route table. Split out from Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	auth := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }

	mux.HandleFunc("GET /api/scheduler/status", auth(s.handleSchedulerStatus))
	mux.HandleFunc("POST /api/scheduler/start", auth(s.handleSchedulerStart))
	mux.HandleFunc("POST /api/scheduler/stop", auth(s.handleSchedulerStop))

	mux.HandleFunc("GET /api/tasks/preview", auth(s.handleTasksPreview))
	mux.HandleFunc("GET /api/tasks/window", auth(s.handleTasksWindow))

	mux.HandleFunc("POST /api/notify/run", auth(s.handleNotifyRun))
	mux.HandleFunc("POST /api/notify/test", auth(s.handleNotifyTest))

	mux.HandleFunc("GET /api/settings", auth(s.handleSettingsGet))
	mux.HandleFunc("PUT /api/settings", auth(s.handleSettingsPut))

	mux.HandleFunc("GET /api/events", auth(s.handleEvents))

	mux.HandleFunc("GET /api/records/{kind}", auth(s.handleRecordsList))
	mux.HandleFunc("POST /api/records/{kind}", auth(s.handleRecordsCreate))
	mux.HandleFunc("PUT /api/records/{kind}/{id}", auth(s.handleRecordsUpdate))
	mux.HandleFunc("DELETE /api/records/{kind}/{id}", auth(s.handleRecordsDelete))

	mux.HandleFunc("GET /api/legend", auth(s.handleLegendList))
	mux.HandleFunc("POST /api/legend", auth(s.handleLegendUpsert))
	mux.HandleFunc("GET /api/legend/{abbr}", auth(s.handleLegendGet))
	mux.HandleFunc("DELETE /api/legend/{abbr}", auth(s.handleLegendDelete))

	return mux
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}
