package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, used by tests and throwaway runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one dated domain entry. Kind membership is enforced by the
// record descriptor set, not by storage.
type Record struct {
	ID        int64
	Kind      string
	Date      string // calendar day, "2006-01-02"
	Code      string
	Payload   string // optional JSON blob from the CRUD surface
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LegendEntry maps a short code to its human description.
// Abbr is stored case-normalized upper and is unique.
type LegendEntry struct {
	Abbr        string
	Description string
	Category    string
	UsageCount  int64
	LastUsed    time.Time // zero when never used
}

// Settings is the notification settings singleton (row id 1).
type Settings struct {
	SenderAddress    string
	SenderCredential string // secret; strip with Redacted() before returning to clients
	TargetAddress    string
	NotifyTime       string // "HH:MM" in Timezone
	Timezone         string // IANA name; empty means process fallback
	Enabled          bool
	UpdatedAt        time.Time
}

// Redacted returns a copy safe to hand to API clients.
// The credential is stripped unconditionally.
func (s Settings) Redacted() Settings {
	s.SenderCredential = ""
	return s
}

// DefaultSettings is what a missing settings row resolves to.
// A missing row is not an error condition anywhere in the pipeline.
func DefaultSettings() Settings {
	return Settings{NotifyTime: "07:00", Enabled: false}
}
