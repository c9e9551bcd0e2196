package reports_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestClassifyYoY(t *testing.T) {
	cases := []struct {
		name     string
		current  string
		previous string
		wantPct  string
		wantDir  models.TrendDirection
	}{
		{"clear increase", "112.5", "100", "12.5", models.TrendUp},
		{"clear decrease", "87.5", "100", "-12.5", models.TrendDown},
		{"inside stable band up", "100.5", "100", "0.5", models.TrendStable},
		{"inside stable band down", "99.2", "100", "-0.8", models.TrendStable},
		{"exactly one percent is up", "101", "100", "1", models.TrendUp},
		{"rounded percent", "310", "300", "3.3", models.TrendUp},
	}
	for _, c := range cases {
		pct, dir := reports.ClassifyYoY(dec(t, c.current), dec(t, c.previous))
		if dir != c.wantDir {
			t.Fatalf("%s: expected %s, got %s", c.name, c.wantDir, dir)
		}
		if pct == nil {
			t.Fatalf("%s: expected pct %s, got nil", c.name, c.wantPct)
		}
		if !pct.Equal(dec(t, c.wantPct)) {
			t.Fatalf("%s: expected pct %s, got %s", c.name, c.wantPct, pct)
		}
	}
}

// A zero previous year has no defined percent change; the direction still
// reads from the current value.
func TestClassifyYoY_ZeroPreviousYear(t *testing.T) {
	pct, dir := reports.ClassifyYoY(dec(t, "50"), decimal.Zero)
	if pct != nil {
		t.Fatalf("expected nil pct over zero previous, got %s", pct)
	}
	if dir != models.TrendUp {
		t.Fatalf("expected up, got %s", dir)
	}

	pct, dir = reports.ClassifyYoY(decimal.Zero, decimal.Zero)
	if pct != nil {
		t.Fatalf("expected nil pct, got %s", pct)
	}
	if dir != models.TrendStable {
		t.Fatalf("expected stable, got %s", dir)
	}
}

func TestExpectedValueAt(t *testing.T) {
	baseline := dec(t, "450")
	target := dec(t, "225")

	cases := []struct {
		name string
		year int
		want string
	}{
		{"baseline year", 2022, "450"},
		{"before baseline", 2020, "450"},
		{"target year", 2032, "225"},
		{"after target", 2040, "225"},
		{"halfway", 2027, "337.5"},
		{"three years in", 2025, "382.5"},
	}
	for _, c := range cases {
		got := reports.ExpectedValueAt(baseline, target, 2022, 2032, c.year)
		if !got.Equal(dec(t, c.want)) {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}

	// Degenerate span keeps the baseline rather than dividing by zero.
	if got := reports.ExpectedValueAt(baseline, target, 2022, 2022, 2025); !got.Equal(baseline) {
		t.Fatalf("expected baseline for zero span, got %s", got)
	}
}

func TestClassifyProgress(t *testing.T) {
	expected := dec(t, "337.5")
	baseline := dec(t, "450")
	lastYear := dec(t, "470")

	cases := []struct {
		name      string
		projected string
		want      models.ProgressStatus
	}{
		{"under glide path", "330", models.ProgressOnTrack},
		{"exactly on glide path", "337.5", models.ProgressOnTrack},
		{"over path under baseline", "340", models.ProgressAtRisk},
		{"exactly at baseline", "450", models.ProgressAtRisk},
		{"over baseline still declining", "460", models.ProgressOffTrack},
		{"over baseline and rising", "480", models.ProgressExceededBaseline},
	}
	for _, c := range cases {
		got := reports.ClassifyProgress(dec(t, c.projected), expected, baseline, lastYear)
		if got != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	baseline := dec(t, "450")
	target := dec(t, "225")

	cases := []struct {
		name      string
		projected string
		want      string
	}{
		{"halfway there", "337.5", "50"},
		{"no movement", "450", "0"},
		{"worse than baseline", "500", "0"},
		{"target reached", "225", "100"},
		{"beyond target", "200", "111.1"},
	}
	for _, c := range cases {
		got := reports.ProgressPercent(baseline, target, dec(t, c.projected))
		if !got.Equal(dec(t, c.want)) {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}

	// A hold-the-line target is met or missed outright.
	if got := reports.ProgressPercent(baseline, baseline, dec(t, "450")); !got.Equal(dec(t, "100")) {
		t.Fatalf("expected 100 for a met hold target, got %s", got)
	}
	if got := reports.ProgressPercent(baseline, baseline, dec(t, "451")); !got.IsZero() {
		t.Fatalf("expected 0 for a missed hold target, got %s", got)
	}
}

func TestExceedancePercent(t *testing.T) {
	baseline := dec(t, "450")
	target := dec(t, "225")

	if got := reports.ExceedancePercent(baseline, target, dec(t, "450")); !got.IsZero() {
		t.Fatalf("expected 0 at the baseline, got %s", got)
	}
	if got := reports.ExceedancePercent(baseline, target, dec(t, "400")); !got.IsZero() {
		t.Fatalf("expected 0 under the baseline, got %s", got)
	}
	if got := reports.ExceedancePercent(baseline, target, dec(t, "500")); !got.Equal(dec(t, "122.2")) {
		t.Fatalf("expected 122.2, got %s", got)
	}
	if got := reports.ExceedancePercent(baseline, decimal.Zero, dec(t, "500")); !got.IsZero() {
		t.Fatalf("expected 0 for a zero target, got %s", got)
	}
}
