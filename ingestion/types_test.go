package ingestion

import (
	"testing"
	"time"
)

func TestDecodeDomainsAlwaysKeepsEmissions(t *testing.T) {
	dom := DecodeDomains([]byte(`{"emissions":false,"energy":true}`))
	if !dom.Emissions {
		t.Fatalf("emissions must stay enabled, got %+v", dom)
	}
	if !dom.Energy || dom.Water || dom.Waste {
		t.Fatalf("unexpected domains: %+v", dom)
	}
}

func TestDecodeDomainsFallsBackToDefaults(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("not json")} {
		dom := DecodeDomains(raw)
		if dom != DefaultDomains() {
			t.Fatalf("expected defaults for %q, got %+v", raw, dom)
		}
	}
}

func TestCursorStateRoundTrip(t *testing.T) {
	state := CursorState{
		Emissions: CursorEntry{UpdatedSince: "2025-01-01T00:00:00Z", Cursor: "abc"},
		Energy:    CursorEntry{Cursor: "def"},
	}
	decoded := DecodeCursorState(EncodeCursorState(state))
	if decoded != state {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, state)
	}
	if got := DecodeCursorState([]byte("{broken")); got != (CursorState{}) {
		t.Fatalf("broken state should decode empty, got %+v", got)
	}
}

func TestParsePeriodTime(t *testing.T) {
	got, err := parsePeriodTime("2025-03-01")
	if err != nil {
		t.Fatalf("date-only parse failed: %v", err)
	}
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, err = parsePeriodTime("2025-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("rfc3339 parse failed: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := parsePeriodTime(""); err == nil {
		t.Fatalf("empty period should error")
	}
	if _, err := parsePeriodTime("March 2025"); err == nil {
		t.Fatalf("free-form period should error")
	}
}
