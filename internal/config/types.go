package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the JSON API server.
//
// Security note:
//   - Prefer binding to localhost unless a token is set.
type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`  // default: "127.0.0.1:8380"
	Token string `json:"token,omitempty"` // optional bearer token (do not log)

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the persistence layer backing the record,
// legend and settings stores.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./daymail.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the daily notification daemon.
//
// The fire time and timezone live in the persisted notification settings;
// this block only carries process-level knobs.
type SchedulerConfig struct {
	// AutoStart starts the daemon at bootstrap. The daemon still parks
	// itself when the stored settings are disabled.
	AutoStart bool `json:"auto_start"`

	// FallbackTimezone is used when the stored settings carry no timezone.
	// IANA name, e.g. "Asia/Jakarta". Empty means UTC.
	FallbackTimezone string `json:"fallback_timezone,omitempty"`

	// FireTimeout bounds one aggregation+dispatch pipeline run.
	FireTimeout string `json:"fire_timeout,omitempty"` // default "2m"
}

// DispatchConfig controls outbound notification transports.
type DispatchConfig struct {
	// SendTimeout bounds a single outbound send (dial + auth + submit).
	SendTimeout string `json:"send_timeout,omitempty"` // default "30s"

	// RatePerMin caps outbound messages per minute across all callers.
	RatePerMin int `json:"rate_per_min,omitempty"` // default 6

	SMTP     SMTPConfig             `json:"smtp"`
	Telegram DispatchTelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Host string `json:"host"` // default "smtp.gmail.com"
	Port int    `json:"port"` // default 587 (STARTTLS)
}

// DispatchTelegramConfig enables an optional copy of the daily summary
// to a Telegram chat. It never affects the email result.
type DispatchTelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// Validate rejects configurations that would only fail later at runtime.
// It is also installed as the hot-reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.fire_timeout", c.Scheduler.FireTimeout},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.FallbackTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.fallback_timezone: unknown timezone %q", tz)
		}
	}

	if p := c.Dispatch.SMTP.Port; p != 0 && (p < 1 || p > 65535) {
		return fmt.Errorf("dispatch.smtp.port: out of range: %d", p)
	}

	if c.Dispatch.Telegram.Enabled {
		if strings.TrimSpace(c.Dispatch.Telegram.Token) == "" {
			return fmt.Errorf("dispatch.telegram.token is required when enabled")
		}
		if c.Dispatch.Telegram.ChatID == 0 {
			return fmt.Errorf("dispatch.telegram.chat_id is required when enabled")
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}

	return nil
}
