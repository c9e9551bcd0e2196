package models_test

import (
	"testing"

	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

// The published total is the sum of the rounded scope subtotals, which is not
// the same number as rounding the raw sum. 100.14 + 100.24 + 103.17 tonnes
// rounds per scope to 100.1 + 100.2 + 103.2 = 303.5, while the raw sum 303.55
// would publish as 303.6.
func TestPublishScopeTotals_RoundThenSum(t *testing.T) {
	totals := models.PublishScopeTotals(
		dec(t, "100140"), // kg
		dec(t, "100240"),
		dec(t, "103170"),
	)

	if got := totals.Scope1.String(); got != "100.1" {
		t.Fatalf("scope1: expected 100.1, got %s", got)
	}
	if got := totals.Scope2.String(); got != "100.2" {
		t.Fatalf("scope2: expected 100.2, got %s", got)
	}
	if got := totals.Scope3.String(); got != "103.2" {
		t.Fatalf("scope3: expected 103.2, got %s", got)
	}
	if got := totals.Total.String(); got != "303.5" {
		t.Fatalf("total: expected 303.5 (sum of rounded subtotals), got %s", got)
	}

	naive := models.PublishKg(dec(t, "100140").Add(dec(t, "100240")).Add(dec(t, "103170")))
	if naive.String() != "303.6" {
		t.Fatalf("sanity: naive rounded raw sum should be 303.6, got %s", naive)
	}
	if totals.Total.Equal(naive) {
		t.Fatalf("scenario lost its point: round-then-sum equals the naive rounding")
	}
}

func TestPublishKg(t *testing.T) {
	cases := []struct {
		kg   string
		want string
	}{
		{"0", "0"},
		{"40", "0"},       // 0.04 t rounds down
		{"50", "0.1"},     // 0.05 t rounds half away from zero
		{"303550", "303.6"},
		{"999949", "999.9"},
		{"999950", "1000"},
	}
	for _, c := range cases {
		got := models.PublishKg(dec(t, c.kg))
		if got.String() != c.want {
			t.Fatalf("PublishKg(%s kg): expected %s, got %s", c.kg, c.want, got)
		}
	}
}

func TestPercentOfTotal(t *testing.T) {
	if got := models.PercentOfTotal(dec(t, "25"), dec(t, "200")); got.String() != "12.5" {
		t.Fatalf("expected 12.5, got %s", got)
	}
	if got := models.PercentOfTotal(dec(t, "25"), decimal.Zero); !got.IsZero() {
		t.Fatalf("zero total must report zero percent, got %s", got)
	}
}

func TestIntensityRatio(t *testing.T) {
	if got := models.IntensityRatio(dec(t, "450"), dec(t, "480")); got.String() != "0.9375" {
		t.Fatalf("expected 0.9375, got %s", got)
	}
	if got := models.IntensityRatio(dec(t, "1"), dec(t, "3")); got.String() != "0.3333" {
		t.Fatalf("expected 0.3333, got %s", got)
	}
}

func TestReconcileToTotal_DistributesLeftoverUnits(t *testing.T) {
	// Standalone rounding of [0.25 0.25 0.5] gives 0.3+0.3+0.5 = 1.1 against a
	// published total of 1.0; reconciliation must hand out exactly ten 0.1
	// units.
	parts := []decimal.Decimal{dec(t, "0.25"), dec(t, "0.25"), dec(t, "0.5")}
	out := models.ReconcileToTotal(parts, dec(t, "1.0"))

	sum := decimal.Zero
	for _, v := range out {
		sum = sum.Add(v)
	}
	if !sum.Equal(dec(t, "1.0")) {
		t.Fatalf("reconciled rows must sum to the total: got %s", sum)
	}
	for i, v := range out {
		standalone := models.RoundPublished(parts[i])
		if v.Sub(standalone).Abs().GreaterThan(dec(t, "0.1")) {
			t.Fatalf("row %d drifted more than one step from %s: got %s", i, standalone, v)
		}
	}
}

func TestReconcileToTotal_GrowAndShrink(t *testing.T) {
	cases := []struct {
		name  string
		parts []string
		total string
	}{
		{"grow", []string{"0.19", "0.19"}, "0.3"},
		{"shrink", []string{"0.21", "0.21"}, "0.3"},
		{"tiny months", []string{"0.06", "0.06"}, "0.1"},
		{"exact", []string{"10.0", "20.0", "0.5"}, "30.5"},
	}
	for _, c := range cases {
		parts := make([]decimal.Decimal, len(c.parts))
		for i, p := range c.parts {
			parts[i] = dec(t, p)
		}
		total := dec(t, c.total)
		out := models.ReconcileToTotal(parts, total)
		if len(out) != len(parts) {
			t.Fatalf("%s: expected %d rows, got %d", c.name, len(parts), len(out))
		}
		sum := decimal.Zero
		for _, v := range out {
			sum = sum.Add(v)
			if v.IsNegative() {
				t.Fatalf("%s: negative reconciled value %s", c.name, v)
			}
		}
		if !sum.Equal(total) {
			t.Fatalf("%s: rows sum to %s, want %s", c.name, sum, total)
		}
	}
}

func TestReconcileToTotal_Empty(t *testing.T) {
	if out := models.ReconcileToTotal(nil, dec(t, "1.0")); out != nil {
		t.Fatalf("expected nil for no parts, got %v", out)
	}
}
