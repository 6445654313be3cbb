package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore keeps everything in process memory. It backs tests and
// throwaway runs; semantics mirror the sqlite driver.
type memStore struct {
	mu sync.RWMutex

	nextID   int64
	records  map[int64]Record
	legend   map[string]LegendEntry
	settings *Settings
}

func NewMemory() Store {
	return &memStore{
		nextID:  1,
		records: map[int64]Record{},
		legend:  map[string]LegendEntry{},
	}
}

func (s *memStore) Close() error { return nil }

// ---- Records ----

func (s *memStore) CreateRecord(ctx context.Context, r Record) (int64, error) {
	_ = ctx
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID
	s.nextID++
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.ID] = r
	return r.ID, nil
}

func (s *memStore) UpdateRecord(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.ID]
	if !ok || cur.Kind != r.Kind {
		return ErrNotFound
	}
	cur.Date = r.Date
	cur.Code = r.Code
	cur.Payload = r.Payload
	cur.UpdatedAt = time.Now().UTC()
	s.records[r.ID] = cur
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, kind string, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok || cur.Kind != kind {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) ListRecords(ctx context.Context, kind string) ([]Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) FindByKindAndDate(ctx context.Context, kind, day string) ([]Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Kind == kind && r.Date == day {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- Legend ----

func (s *memStore) UpsertLegend(ctx context.Context, e LegendEntry) error {
	_ = ctx
	abbr := strings.ToUpper(strings.TrimSpace(e.Abbr))
	if abbr == "" {
		return errors.New("legend abbr is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.legend[abbr]
	if ok {
		cur.Description = e.Description
		cur.Category = e.Category
		s.legend[abbr] = cur
		return nil
	}
	s.legend[abbr] = LegendEntry{Abbr: abbr, Description: e.Description, Category: e.Category}
	return nil
}

func (s *memStore) GetLegend(ctx context.Context, abbr string) (LegendEntry, error) {
	_ = ctx
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.legend[abbr]
	if !ok {
		return LegendEntry{}, ErrNotFound
	}
	return e, nil
}

func (s *memStore) ListLegend(ctx context.Context) ([]LegendEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LegendEntry, 0, len(s.legend))
	for _, e := range s.legend {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Abbr < out[j].Abbr })
	return out, nil
}

func (s *memStore) DeleteLegend(ctx context.Context, abbr string) error {
	_ = ctx
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.legend[abbr]; !ok {
		return ErrNotFound
	}
	delete(s.legend, abbr)
	return nil
}

func (s *memStore) TouchLegendUsage(ctx context.Context, abbr string) error {
	_ = ctx
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.legend[abbr]
	if !ok {
		return ErrNotFound
	}
	e.UsageCount++
	e.LastUsed = time.Now().UTC()
	s.legend[abbr] = e
	return nil
}

// ---- Settings ----

func (s *memStore) GetSettings(ctx context.Context) (Settings, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return Settings{}, ErrNotFound
	}
	return *s.settings, nil
}

func (s *memStore) PutSettings(ctx context.Context, st Settings) error {
	_ = ctx
	st.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &st
	return nil
}
