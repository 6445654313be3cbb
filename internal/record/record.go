// Package record defines the closed universe of domain record kinds the
// aggregator scans. Anything outside this enumeration is rejected at the
// boundary, never duck-typed on whatever fields happen to be present.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindAttendance  Kind = "attendance"
	KindExpense     Kind = "expense"
	KindLeave       Kind = "leave"
	KindSupervision Kind = "supervision"
)

// Descriptor names where a kind keeps its day and code attributes in the
// raw payload submitted by the CRUD surface.
type Descriptor struct {
	Kind      Kind
	DateField string
	CodeField string
}

// Kinds is the scan order of the aggregator. Order is stable on purpose:
// snapshot code order depends on it.
var Kinds = []Descriptor{
	{Kind: KindAttendance, DateField: "date", CodeField: "shift"},
	{Kind: KindExpense, DateField: "expense_date", CodeField: "category"},
	{Kind: KindLeave, DateField: "start_date", CodeField: "leave_type"},
	{Kind: KindSupervision, DateField: "visit_date", CodeField: "visit_code"},
}

// Extract pulls the kind's day and code attributes out of a raw domain
// payload, using the field names this descriptor enumerates. Attributes
// the payload does not carry come back empty; only the payload failing
// to parse is an error.
func (d Descriptor) Extract(payload []byte) (date, code string, err error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", "", fmt.Errorf("payload for %s: %w", d.Kind, err)
	}
	return stringField(m, d.DateField), stringField(m, d.CodeField), nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Lookup returns the descriptor for kind, or false for anything outside
// the enumerated set.
func Lookup(kind string) (Descriptor, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	for _, d := range Kinds {
		if d.Kind == k {
			return d, true
		}
	}
	return Descriptor{}, false
}

const DayLayout = "2006-01-02"

// day input shapes accepted from the CRUD surface; all collapse to DayLayout.
var dayLayouts = []string{
	DayLayout,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02.01.2006",
}

// NormalizeDay collapses a raw date value to the canonical "YYYY-MM-DD"
// string. The calendar day is taken verbatim from the input, ignoring any
// time-of-day or zone offset, so records never drift across day boundaries.
func NormalizeDay(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range dayLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return t.Format(DayLayout), nil
	}
	return "", fmt.Errorf("unrecognized date %q", raw)
}
