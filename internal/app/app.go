// Package app wires configuration, storage, the notification pipeline
// and the HTTP surfaces into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"daymail/internal/aggregate"
	"daymail/internal/api"
	"daymail/internal/config"
	"daymail/internal/daemon"
	"daymail/internal/dispatch"
	"daymail/internal/eventbus"
	"daymail/internal/legend"
	"daymail/internal/observability/pprof"
	"daymail/internal/preview"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store storage.Store
	bus   eventbus.Bus

	disp  *dispatch.Service
	sched *daemon.Service
	api   *api.Server
	pprof *pprof.Service

	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	resolver := legend.NewResolver(store, log.With(logx.String("comp", "legend")))
	agg := aggregate.New(store, resolver, log.With(logx.String("comp", "aggregate")))

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg,
		dispatch.NewSMTPTransport(cfg.Dispatch.SMTP.Host, cfg.Dispatch.SMTP.Port),
		store, log.With(logx.String("comp", "dispatch")), bus)

	schedCfg, err := daemonConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	sched := daemon.New(schedCfg, store, agg, disp, log.With(logx.String("comp", "daemon")), bus)

	prev := preview.New(agg, sched, log.With(logx.String("comp", "preview")))

	apiCfg, err := apiConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	apiSrv := api.New(apiCfg, api.Deps{
		Daemon:   sched,
		Dispatch: disp,
		Preview:  prev,
		Store:    store,
		Bus:      bus,
	}, log.With(logx.String("comp", "api")))

	ppCfg, err := pprofConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	pp := pprof.New(ppCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		store:   store,
		bus:     bus,
		disp:    disp,
		sched:   sched,
		api:     apiSrv,
		pprof:   pp,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Reject bad hot reloads before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start api: %w", err)
	}
	if err := a.pprof.Start(runCtx); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	cfg := a.cfgm.Get()
	if cfg.Scheduler.AutoStart {
		if a.settingsEnabled(runCtx) {
			if _, err := a.sched.Start(runCtx); err != nil {
				a.log.Warn("scheduler autostart failed", logx.Err(err))
			}
		} else {
			a.log.Info("scheduler autostart skipped, notifications disabled in settings")
		}
	}

	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	sub := a.cfgm.Subscribe(8)
	go a.reloadLoop(runCtx, sub)

	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("daymail started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop()
	a.api.Stop(ctx)
	a.pprof.Stop(ctx)

	err := a.store.Close()
	a.log.Info("daymail stopped")
	_ = a.logs.Close()
	return err
}

// reloadLoop fans a committed config change out to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The validator ran before commit, so these cannot fail here.
	if dispCfg, err := dispatchConfig(cfg); err == nil {
		a.disp.Apply(dispCfg)
	}
	if schedCfg, err := daemonConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
		if err := a.sched.Reschedule(ctx); err != nil {
			a.log.Warn("reschedule after reload", logx.Err(err))
		}
	}
	if ppCfg, err := pprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(ctx, ppCfg)
	}

	a.log.Info("config reloaded")
	a.bus.Publish(eventbus.Event{Type: "config.reloaded"})
}

func (a *App) settingsEnabled(ctx context.Context) bool {
	st, err := a.store.GetSettings(ctx)
	if err != nil {
		return false
	}
	return st.Enabled
}

// --- config mapping ---

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		SendTimeout: sendTimeout,
		RatePerMin:  cfg.Dispatch.RatePerMin,
		Telegram: dispatch.TelegramConfig{
			Enabled: cfg.Dispatch.Telegram.Enabled,
			Token:   cfg.Dispatch.Telegram.Token,
			ChatID:  cfg.Dispatch.Telegram.ChatID,
		},
	}, nil
}

func daemonConfig(cfg *config.Config) (daemon.Config, error) {
	fireTimeout, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 2*time.Minute)
	if err != nil {
		return daemon.Config{}, err
	}
	return daemon.Config{
		FallbackTimezone: cfg.Scheduler.FallbackTimezone,
		FireTimeout:      fireTimeout,
	}, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = "127.0.0.1:8380"
	}
	return api.Config{
		Addr:         addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func pprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
	}, nil
}
