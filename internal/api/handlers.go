package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"daymail/internal/aggregate"
	"daymail/internal/daemon"
	"daymail/internal/dispatch"
	"daymail/internal/eventbus"
	"daymail/internal/preview"
	"daymail/internal/record"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

// maxBodyBytes caps request bodies; the largest legitimate payload is a
// record with a JSON blob.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func storeStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// --- scheduler ---

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Daemon.Status())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Daemon.Start(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "start scheduler: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Daemon.Stop())
}

// --- tasks ---

func (s *Server) handleTasksPreview(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Preview.Day(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "preview: %v", err)
		return
	}
	msg := "No tasks scheduled."
	if entry.HasTasks {
		msg = fmt.Sprintf("%d task(s) scheduled.", len(entry.Codes))
	}
	writeJSON(w, http.StatusOK, struct {
		Tasks   preview.DayEntry `json:"tasksData"`
		Message string           `json:"message"`
	}{entry, msg})
}

func (s *Server) handleTasksWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q.Get("days"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "days: %v", err)
		return
	}
	history, err := intParam(q.Get("history"), -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "history: %v", err)
		return
	}
	win, err := s.deps.Preview.Project(r.Context(), days, history)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "window: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return n, nil
}

// --- notify ---

type notifyRunRequest struct {
	Date        string `json:"date,omitempty"`
	TargetEmail string `json:"targetEmail,omitempty"`
}

func (s *Server) handleNotifyRun(w http.ResponseWriter, r *http.Request) {
	var req notifyRunRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	snap, res, err := s.deps.Daemon.TriggerNow(r.Context(), req.Date, dispatch.Options{To: req.TargetEmail})
	if err != nil {
		if errors.Is(err, daemon.ErrBusy) {
			writeJSON(w, http.StatusConflict, struct {
				Skipped bool   `json:"skipped"`
				Reason  string `json:"reason"`
			}{true, "a dispatch is already in flight"})
			return
		}
		writeError(w, http.StatusBadRequest, "trigger: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Tasks  aggregate.Snapshot `json:"tasksData"`
		Result dispatch.Result    `json:"emailResult"`
	}{snap, res})
}

type notifyTestRequest struct {
	TargetEmail    string `json:"targetEmail,omitempty"`
	SenderEmail    string `json:"senderEmail,omitempty"`
	SenderPassword string `json:"senderPassword,omitempty"`
}

func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	var req notifyTestRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res := s.deps.Dispatch.SendTest(r.Context(), dispatch.Options{
		To:         req.TargetEmail,
		From:       req.SenderEmail,
		Credential: req.SenderPassword,
	})
	status := http.StatusOK
	msg := "test notification sent"
	if !res.Success {
		status = http.StatusBadGateway
		msg = res.Error
	}
	writeJSON(w, status, struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		MessageID string `json:"messageId,omitempty"`
	}{res.Success, msg, res.MessageID})
}

// --- settings ---

type settingsWire struct {
	SenderEmail    string `json:"senderEmail"`
	SenderPassword string `json:"senderPassword,omitempty"` // write-only
	TargetEmail    string `json:"targetEmail"`
	NotifyTime     string `json:"notifyTime"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        bool   `json:"enabled"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

func settingsToWire(st storage.Settings) settingsWire {
	st = st.Redacted()
	w := settingsWire{
		SenderEmail: st.SenderAddress,
		TargetEmail: st.TargetAddress,
		NotifyTime:  st.NotifyTime,
		Timezone:    st.Timezone,
		Enabled:     st.Enabled,
	}
	if !st.UpdatedAt.IsZero() {
		w.UpdatedAt = st.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return w
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "settings: %v", err)
			return
		}
		st = storage.DefaultSettings()
	}
	writeJSON(w, http.StatusOK, settingsToWire(st))
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var req settingsWire
	if !decodeJSON(w, r, &req) {
		return
	}

	st := storage.Settings{
		SenderAddress:    strings.TrimSpace(req.SenderEmail),
		SenderCredential: req.SenderPassword,
		TargetAddress:    strings.TrimSpace(req.TargetEmail),
		NotifyTime:       strings.TrimSpace(req.NotifyTime),
		Timezone:         strings.TrimSpace(req.Timezone),
		Enabled:          req.Enabled,
	}
	if st.NotifyTime == "" {
		st.NotifyTime = storage.DefaultSettings().NotifyTime
	}
	// Write-only credential: an omitted password keeps the stored one.
	if st.SenderCredential == "" {
		if prev, err := s.deps.Store.GetSettings(r.Context()); err == nil {
			st.SenderCredential = prev.SenderCredential
		}
	}
	if err := validateSettings(st); err != nil {
		writeError(w, http.StatusBadRequest, "settings: %v", err)
		return
	}
	if err := s.deps.Store.PutSettings(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, "save settings: %v", err)
		return
	}
	if err := s.deps.Daemon.Reschedule(r.Context()); err != nil {
		s.log.Warn("reschedule after settings write", logx.Err(err))
	}

	// Connectivity test with the new credentials. Its outcome is reported,
	// not gating: a failing test does not roll the write back.
	test := s.deps.Dispatch.Check(r.Context(), st)
	writeJSON(w, http.StatusOK, struct {
		Settings settingsWire    `json:"settings"`
		Test     dispatch.Result `json:"testResult"`
	}{settingsToWire(st), test})
}

func validateSettings(st storage.Settings) error {
	if _, err := time.Parse("15:04", st.NotifyTime); err != nil {
		return fmt.Errorf("notifyTime %q: expected HH:MM", st.NotifyTime)
	}
	if st.Timezone != "" {
		if _, err := time.LoadLocation(st.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %v", st.Timezone, err)
		}
	}
	if st.Enabled {
		if st.SenderAddress == "" || st.TargetAddress == "" {
			return errors.New("enabled notifications need senderEmail and targetEmail")
		}
	}
	return nil
}

// --- events ---

type eventRing struct {
	mu   sync.Mutex
	buf  []eventbus.Event
	next int
	full bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]eventbus.Event, size)}
}

func (r *eventRing) add(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns retained events oldest first.
func (r *eventRing) list() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]eventbus.Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]eventbus.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

type eventWire struct {
	Type string `json:"type"`
	Time string `json:"time"`
	Data any    `json:"data,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.ring.list()
	out := make([]eventWire, 0, len(events))
	for _, e := range events {
		out = append(out, eventWire{Type: e.Type, Time: e.Time.UTC().Format(time.RFC3339Nano), Data: e.Data})
	}
	writeJSON(w, http.StatusOK, struct {
		Events []eventWire `json:"events"`
	}{out})
}

// --- records CRUD glue ---

type recordWire struct {
	ID        int64  `json:"id,omitempty"`
	Kind      string `json:"kind"`
	Date      string `json:"date"`
	Code      string `json:"code"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func recordToWire(r storage.Record) recordWire {
	w := recordWire{ID: r.ID, Kind: r.Kind, Date: r.Date, Code: r.Code, Payload: r.Payload}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !r.UpdatedAt.IsZero() {
		w.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return w
}

// recordFromWire resolves the day and code for a submitted record. When
// the top-level attributes are absent it falls back to the fields the
// kind's descriptor names inside the domain payload.
func recordFromWire(desc record.Descriptor, req recordWire) (day, code string, err error) {
	day = strings.TrimSpace(req.Date)
	code = strings.TrimSpace(req.Code)
	if (day == "" || code == "") && strings.TrimSpace(req.Payload) != "" {
		pd, pc, perr := desc.Extract([]byte(req.Payload))
		if perr != nil {
			return "", "", perr
		}
		if day == "" {
			day = pd
		}
		if code == "" {
			code = pc
		}
	}
	if code == "" {
		return "", "", fmt.Errorf("code is required")
	}
	day, err = record.NormalizeDay(day)
	if err != nil {
		return "", "", fmt.Errorf("date: %w", err)
	}
	return day, code, nil
}

func kindFromPath(w http.ResponseWriter, r *http.Request) (record.Descriptor, bool) {
	kind := r.PathValue("kind")
	desc, ok := record.Lookup(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown record kind %q", kind)
		return record.Descriptor{}, false
	}
	return desc, true
}

func (s *Server) handleRecordsList(w http.ResponseWriter, r *http.Request) {
	desc, ok := kindFromPath(w, r)
	if !ok {
		return
	}
	var (
		recs []storage.Record
		err  error
	)
	if day := r.URL.Query().Get("date"); day != "" {
		norm, derr := record.NormalizeDay(day)
		if derr != nil {
			writeError(w, http.StatusBadRequest, "date: %v", derr)
			return
		}
		recs, err = s.deps.Store.FindByKindAndDate(r.Context(), string(desc.Kind), norm)
	} else {
		recs, err = s.deps.Store.ListRecords(r.Context(), string(desc.Kind))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list records: %v", err)
		return
	}
	out := make([]recordWire, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToWire(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Records []recordWire `json:"records"`
	}{out})
}

func (s *Server) handleRecordsCreate(w http.ResponseWriter, r *http.Request) {
	desc, ok := kindFromPath(w, r)
	if !ok {
		return
	}
	var req recordWire
	if !decodeJSON(w, r, &req) {
		return
	}
	day, code, err := recordFromWire(desc, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	rec := storage.Record{Kind: string(desc.Kind), Date: day, Code: code, Payload: req.Payload}
	id, err := s.deps.Store.CreateRecord(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create record: %v", err)
		return
	}
	rec.ID = id
	writeJSON(w, http.StatusCreated, recordToWire(rec))
}

func (s *Server) handleRecordsUpdate(w http.ResponseWriter, r *http.Request) {
	desc, ok := kindFromPath(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	var req recordWire
	if !decodeJSON(w, r, &req) {
		return
	}
	day, code, err := recordFromWire(desc, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	rec := storage.Record{ID: id, Kind: string(desc.Kind), Date: day, Code: code, Payload: req.Payload}
	if err := s.deps.Store.UpdateRecord(r.Context(), rec); err != nil {
		writeError(w, storeStatus(err), "update record: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, recordToWire(rec))
}

func (s *Server) handleRecordsDelete(w http.ResponseWriter, r *http.Request) {
	desc, ok := kindFromPath(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if err := s.deps.Store.DeleteRecord(r.Context(), string(desc.Kind), id); err != nil {
		writeError(w, storeStatus(err), "delete record: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- legend CRUD glue ---

type legendWire struct {
	Abbr        string `json:"abbr"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	UsageCount  int64  `json:"usageCount"`
	LastUsed    string `json:"lastUsed,omitempty"`
}

func legendToWire(e storage.LegendEntry) legendWire {
	w := legendWire{Abbr: e.Abbr, Description: e.Description, Category: e.Category, UsageCount: e.UsageCount}
	if !e.LastUsed.IsZero() {
		w.LastUsed = e.LastUsed.UTC().Format(time.RFC3339)
	}
	return w
}

func (s *Server) handleLegendList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.ListLegend(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list legend: %v", err)
		return
	}
	out := make([]legendWire, 0, len(entries))
	for _, e := range entries {
		out = append(out, legendToWire(e))
	}
	writeJSON(w, http.StatusOK, struct {
		Legend []legendWire `json:"legend"`
	}{out})
}

func (s *Server) handleLegendUpsert(w http.ResponseWriter, r *http.Request) {
	var req legendWire
	if !decodeJSON(w, r, &req) {
		return
	}
	abbr := strings.TrimSpace(req.Abbr)
	if abbr == "" || strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "abbr and description are required")
		return
	}
	e := storage.LegendEntry{Abbr: abbr, Description: req.Description, Category: req.Category}
	if err := s.deps.Store.UpsertLegend(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "save legend: %v", err)
		return
	}
	saved, err := s.deps.Store.GetLegend(r.Context(), abbr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read back legend: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, legendToWire(saved))
}

// handleLegendGet resolves one abbreviation and counts the lookup as a
// usage. Aggregation goes through internal/legend and never touches the
// counters.
func (s *Server) handleLegendGet(w http.ResponseWriter, r *http.Request) {
	abbr := r.PathValue("abbr")
	e, err := s.deps.Store.GetLegend(r.Context(), abbr)
	if err != nil {
		writeError(w, storeStatus(err), "legend %q: %v", abbr, err)
		return
	}
	if err := s.deps.Store.TouchLegendUsage(r.Context(), abbr); err != nil {
		s.log.Warn("touch legend usage", logx.String("abbr", abbr), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, legendToWire(e))
}

func (s *Server) handleLegendDelete(w http.ResponseWriter, r *http.Request) {
	abbr := r.PathValue("abbr")
	if err := s.deps.Store.DeleteLegend(r.Context(), abbr); err != nil {
		writeError(w, storeStatus(err), "delete legend %q: %v", abbr, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
