package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	id1, err := st.CreateRecord(ctx, Record{Kind: "attendance", Date: "2024-06-01", Code: "SV"})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	id2, err := st.CreateRecord(ctx, Record{Kind: "attendance", Date: "2024-06-01", Code: "AB"})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := st.CreateRecord(ctx, Record{Kind: "leave", Date: "2024-06-02", Code: "VAC"}); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	got, err := st.FindByKindAndDate(ctx, "attendance", "2024-06-01")
	if err != nil {
		t.Fatalf("FindByKindAndDate: %v", err)
	}
	if len(got) != 2 || got[0].ID != id1 || got[1].ID != id2 {
		t.Fatalf("unexpected result: %+v", got)
	}

	if err := st.UpdateRecord(ctx, Record{ID: id1, Kind: "attendance", Date: "2024-06-03", Code: "SV"}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	got, _ = st.FindByKindAndDate(ctx, "attendance", "2024-06-01")
	if len(got) != 1 {
		t.Fatalf("expected 1 record after move, got %d", len(got))
	}

	if err := st.DeleteRecord(ctx, "attendance", id2); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := st.DeleteRecord(ctx, "attendance", id2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// wrong kind must not delete
	if err := st.DeleteRecord(ctx, "expense", id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for kind mismatch, got %v", err)
	}
}

func TestMemoryLegend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	if err := st.UpsertLegend(ctx, LegendEntry{Abbr: "sv", Description: "Supervision"}); err != nil {
		t.Fatalf("UpsertLegend: %v", err)
	}
	e, err := st.GetLegend(ctx, "SV")
	if err != nil {
		t.Fatalf("GetLegend: %v", err)
	}
	if e.Abbr != "SV" {
		t.Fatalf("abbr not upper-normalized: %q", e.Abbr)
	}

	// upsert preserves usage counters
	if err := st.TouchLegendUsage(ctx, "sv"); err != nil {
		t.Fatalf("TouchLegendUsage: %v", err)
	}
	if err := st.UpsertLegend(ctx, LegendEntry{Abbr: "SV", Description: "Supervision visit"}); err != nil {
		t.Fatalf("UpsertLegend: %v", err)
	}
	e, _ = st.GetLegend(ctx, "sv")
	if e.UsageCount != 1 || e.Description != "Supervision visit" {
		t.Fatalf("upsert lost state: %+v", e)
	}
	if e.LastUsed.IsZero() {
		t.Fatal("LastUsed not set by TouchLegendUsage")
	}

	if _, err := st.GetLegend(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySettingsSingleton(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	if _, err := st.GetSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}

	in := Settings{
		SenderAddress:    "bot@example.com",
		SenderCredential: "secret",
		TargetAddress:    "boss@example.com",
		NotifyTime:       "08:30",
		Timezone:         "Asia/Jakarta",
		Enabled:          true,
	}
	if err := st.PutSettings(ctx, in); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.SenderCredential != "secret" || got.NotifyTime != "08:30" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}

	// full replace, not merge
	if err := st.PutSettings(ctx, Settings{TargetAddress: "other@example.com"}); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, _ = st.GetSettings(ctx)
	if got.SenderAddress != "" || got.Enabled {
		t.Fatalf("PutSettings merged instead of replaced: %+v", got)
	}

	if red := got.Redacted(); red.SenderCredential != "" {
		t.Fatal("Redacted kept the credential")
	}
}
