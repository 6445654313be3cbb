package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"daymail/internal/aggregate"
	"daymail/internal/daemon"
	"daymail/internal/dispatch"
	"daymail/internal/eventbus"
	"daymail/internal/preview"
	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

func eventFor(typ string) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now()}
}

type fakeDaemon struct {
	status      daemon.Status
	startErr    error
	triggerErr  error
	triggerSnap aggregate.Snapshot
	triggerRes  dispatch.Result
	rescheduled int
}

func (f *fakeDaemon) Start(ctx context.Context) (daemon.Status, error) {
	if f.startErr != nil {
		return daemon.Status{}, f.startErr
	}
	f.status.Running = true
	f.status.State = daemon.StateScheduled
	return f.status, nil
}

func (f *fakeDaemon) Stop() daemon.Status {
	f.status.Running = false
	f.status.State = daemon.StateStopped
	return f.status
}

func (f *fakeDaemon) Status() daemon.Status { return f.status }

func (f *fakeDaemon) TriggerNow(ctx context.Context, date string, opt dispatch.Options) (aggregate.Snapshot, dispatch.Result, error) {
	if f.triggerErr != nil {
		return aggregate.Snapshot{}, dispatch.Result{}, f.triggerErr
	}
	return f.triggerSnap, f.triggerRes, nil
}

func (f *fakeDaemon) Reschedule(ctx context.Context) error {
	f.rescheduled++
	return nil
}

type fakeDispatch struct {
	lastOpt dispatch.Options
	res     dispatch.Result
}

func (f *fakeDispatch) SendTest(ctx context.Context, opt dispatch.Options) dispatch.Result {
	f.lastOpt = opt
	return f.res
}

func (f *fakeDispatch) Check(ctx context.Context, st storage.Settings) dispatch.Result {
	return f.res
}

type fakePreview struct{}

func (fakePreview) Day(ctx context.Context, date string) (preview.DayEntry, error) {
	return preview.DayEntry{
		Snapshot: aggregate.Snapshot{Date: "2026-08-31", HasTasks: true, Codes: []string{"Morning shift"}, RecordCount: 1},
		IsToday:  true,
		Display:  "Today",
	}, nil
}

func (fakePreview) Project(ctx context.Context, days, history int) (preview.Window, error) {
	return preview.Window{Today: "2026-08-31"}, nil
}

func newTestServer(t *testing.T, token string) (*Server, *fakeDaemon, *fakeDispatch, storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	d := &fakeDaemon{}
	disp := &fakeDispatch{res: dispatch.Result{Success: true, MessageID: "m-1"}}
	srv := New(Config{Token: token}, Deps{
		Daemon:   d,
		Dispatch: disp,
		Preview:  fakePreview{},
		Store:    store,
	}, logx.Nop())
	return srv, d, disp, store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func TestSchedulerLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	var st daemon.Status
	if rec := doJSON(t, h, http.MethodPost, "/api/scheduler/start", "", &st); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if !st.Running || st.State != daemon.StateScheduled {
		t.Fatalf("unexpected status %+v", st)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/scheduler/stop", "", &st); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if st.Running {
		t.Fatalf("still running after stop: %+v", st)
	}
}

func TestNotifyRunBusyMapsToConflict(t *testing.T) {
	t.Parallel()
	srv, d, _, _ := newTestServer(t, "")
	d.triggerErr = daemon.ErrBusy

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/notify/run", `{}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "skipped") {
		t.Fatalf("body %s lacks skipped marker", rec.Body.String())
	}
}

func TestNotifyTestPassesOverrides(t *testing.T) {
	t.Parallel()
	srv, _, disp, _ := newTestServer(t, "")

	var res struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		MessageID string `json:"messageId"`
	}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/notify/test",
		`{"targetEmail":"x@example.com","senderEmail":"y@example.com","senderPassword":"pw"}`, &res)
	if rec.Code != http.StatusOK || !res.Success || res.Message == "" {
		t.Fatalf("test dispatch: %d %+v", rec.Code, res)
	}
	if disp.lastOpt.To != "x@example.com" || disp.lastOpt.From != "y@example.com" || disp.lastOpt.Credential != "pw" {
		t.Fatalf("overrides not forwarded: %+v", disp.lastOpt)
	}
}

func TestSettingsRoundTripRedactsCredential(t *testing.T) {
	t.Parallel()
	srv, d, _, _ := newTestServer(t, "")
	h := srv.Handler()

	body := `{"senderEmail":"s@example.com","senderPassword":"secret","targetEmail":"t@example.com","notifyTime":"08:15","timezone":"UTC","enabled":true}`
	var putResp struct {
		Settings settingsWire    `json:"settings"`
		Test     dispatch.Result `json:"testResult"`
	}
	rec := doJSON(t, h, http.MethodPut, "/api/settings", body, &putResp)
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings: %d %s", rec.Code, rec.Body.String())
	}
	if putResp.Settings.SenderPassword != "" {
		t.Fatal("credential leaked in put response")
	}
	if !putResp.Test.Success {
		t.Fatalf("expected test result, got %+v", putResp.Test)
	}
	if d.rescheduled != 1 {
		t.Fatalf("daemon rescheduled %d times", d.rescheduled)
	}

	var got settingsWire
	if rec := doJSON(t, h, http.MethodGet, "/api/settings", "", &got); rec.Code != http.StatusOK {
		t.Fatalf("get settings: %d", rec.Code)
	}
	if got.SenderPassword != "" {
		t.Fatal("credential leaked in get response")
	}
	if got.NotifyTime != "08:15" || !got.Enabled {
		t.Fatalf("settings not persisted: %+v", got)
	}
}

func TestSettingsPutKeepsCredentialWhenOmitted(t *testing.T) {
	t.Parallel()
	srv, _, _, store := newTestServer(t, "")
	h := srv.Handler()

	seed := storage.DefaultSettings()
	seed.SenderAddress = "s@example.com"
	seed.SenderCredential = "original"
	seed.TargetAddress = "t@example.com"
	if err := store.PutSettings(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := `{"senderEmail":"s@example.com","targetEmail":"t@example.com","notifyTime":"09:00","enabled":false}`
	if rec := doJSON(t, h, http.MethodPut, "/api/settings", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	st, err := store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if st.SenderCredential != "original" {
		t.Fatalf("credential overwritten: %q", st.SenderCredential)
	}
}

func TestSettingsPutRejectsBadTime(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "")
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/settings", `{"notifyTime":"25:00"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecordsCRUD(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	var created recordWire
	rec := doJSON(t, h, http.MethodPost, "/api/records/attendance",
		`{"kind":"attendance","date":"2026-08-31","code":"EARLY"}`, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if created.ID == 0 || created.Kind != "attendance" {
		t.Fatalf("unexpected created record %+v", created)
	}

	var listed struct {
		Records []recordWire `json:"records"`
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/records/attendance?date=2026-08-31", "", &listed); rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if len(listed.Records) != 1 || listed.Records[0].Code != "EARLY" {
		t.Fatalf("unexpected listing %+v", listed.Records)
	}

	var updated recordWire
	if rec := doJSON(t, h, http.MethodPut, "/api/records/attendance/1",
		`{"kind":"attendance","date":"2026-09-01","code":"LATE"}`, &updated); rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if updated.Date != "2026-09-01" || updated.Code != "LATE" {
		t.Fatalf("unexpected updated record %+v", updated)
	}
	if rec := doJSON(t, h, http.MethodPut, "/api/records/attendance/99",
		`{"kind":"attendance","date":"2026-09-01","code":"LATE"}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("update missing: %d", rec.Code)
	}

	if rec := doJSON(t, h, http.MethodDelete, "/api/records/attendance/1", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodDelete, "/api/records/attendance/1", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestRecordsCreateFromPayloadFields(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	// No top-level date/code: both come out of the kind's payload fields.
	var created recordWire
	rec := doJSON(t, h, http.MethodPost, "/api/records/expense",
		`{"kind":"expense","payload":"{\"expense_date\":\"2026-08-31\",\"category\":\"FUEL\"}"}`, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if created.Date != "2026-08-31" || created.Code != "FUEL" {
		t.Fatalf("payload fields not extracted: %+v", created)
	}

	// A payload that carries neither attribute is still rejected.
	if rec := doJSON(t, h, http.MethodPost, "/api/records/expense",
		`{"kind":"expense","payload":"{\"expense_date\":\"2026-08-31\"}"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing code, got %d", rec.Code)
	}
}

func TestRecordsUnknownKindRejected(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "")
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/records/payroll", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", rec.Code)
	}
}

func TestLegendGetBumpsUsage(t *testing.T) {
	t.Parallel()
	srv, _, _, store := newTestServer(t, "")
	h := srv.Handler()

	if rec := doJSON(t, h, http.MethodPost, "/api/legend",
		`{"abbr":"early","description":"Early shift"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("upsert: %d", rec.Code)
	}

	var got legendWire
	if rec := doJSON(t, h, http.MethodGet, "/api/legend/EARLY", "", &got); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if got.Description != "Early shift" {
		t.Fatalf("unexpected entry %+v", got)
	}

	e, err := store.GetLegend(context.Background(), "EARLY")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if e.UsageCount != 1 {
		t.Fatalf("usage count %d, want 1", e.UsageCount)
	}
}

func TestBearerTokenGuard(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, "sekrit")
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request passed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/scheduler/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated request rejected: %d", rec.Code)
	}

	// health stays open for probes
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz guarded: %d", rec.Code)
	}
}

func TestEventRingOrder(t *testing.T) {
	t.Parallel()
	r := newEventRing(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.add(eventFor(typ))
	}
	got := r.list()
	if len(got) != 3 {
		t.Fatalf("ring kept %d events", len(got))
	}
	want := []string{"b", "c", "d"}
	for i, e := range got {
		if e.Type != want[i] {
			t.Fatalf("ring order %v, want %v", got, want)
		}
	}
}
