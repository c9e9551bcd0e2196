package reports_test

import (
	"math"
	"testing"
	"time"

	"bitbucket.org/carbonview/emissions_backend/models/reports"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFitAdditiveModel_RecoversLinearTrend(t *testing.T) {
	var points []reports.SeriesPoint
	for i := 0; i < 12; i++ {
		points = append(points, reports.SeriesPoint{
			T:     i,
			Month: time.Month(i + 1),
			Value: 100 + 2*float64(i),
		})
	}

	model := reports.FitAdditiveModel(points)
	if !near(model.Slope, 2) {
		t.Fatalf("expected slope 2, got %f", model.Slope)
	}
	if !near(model.Intercept, 100) {
		t.Fatalf("expected intercept 100, got %f", model.Intercept)
	}
	for month, s := range model.Seasonal {
		if !near(s, 0) {
			t.Fatalf("expected zero seasonal for %s on pure trend data, got %f", month, s)
		}
	}
}

func TestFitAdditiveModel_RecoversSeasonalPattern(t *testing.T) {
	// Flat series with a heating-shaped bump: warm in summer, +10 in
	// January and December, -10 in June and July. The pattern is symmetric
	// across the year so two full years fit with zero slope.
	seasonal := map[time.Month]float64{
		time.January:  10,
		time.December: 10,
		time.June:     -10,
		time.July:     -10,
	}

	var points []reports.SeriesPoint
	for i := 0; i < 24; i++ {
		month := time.Month(i%12 + 1)
		points = append(points, reports.SeriesPoint{
			T:     i,
			Month: month,
			Value: 100 + seasonal[month],
		})
	}

	model := reports.FitAdditiveModel(points)
	if !near(model.Slope, 0) {
		t.Fatalf("expected zero slope, got %f", model.Slope)
	}
	if !near(model.Intercept, 100) {
		t.Fatalf("expected intercept 100, got %f", model.Intercept)
	}
	if !near(model.Seasonal[time.January], 10) {
		t.Fatalf("expected January seasonal 10, got %f", model.Seasonal[time.January])
	}
	if !near(model.Seasonal[time.June], -10) {
		t.Fatalf("expected June seasonal -10, got %f", model.Seasonal[time.June])
	}
	if !near(model.Seasonal[time.March], 0) {
		t.Fatalf("expected March seasonal 0, got %f", model.Seasonal[time.March])
	}

	withSeasonal := model.Predict(24, time.January, true)
	withoutSeasonal := model.Predict(24, time.January, false)
	if !near(withSeasonal, 110) {
		t.Fatalf("expected January prediction 110, got %f", withSeasonal)
	}
	if !near(withoutSeasonal, 100) {
		t.Fatalf("expected trend-only prediction 100, got %f", withoutSeasonal)
	}
}

// Reporting gaps leave holes in the month index. The fit works on the index
// positions that exist, so a missing month must not bend the trend.
func TestFitAdditiveModel_GapInSeries(t *testing.T) {
	var points []reports.SeriesPoint
	for _, i := range []int{0, 1, 2, 4, 5, 7} {
		points = append(points, reports.SeriesPoint{
			T:     i,
			Month: time.Month(i + 1),
			Value: 10 + 3*float64(i),
		})
	}

	model := reports.FitAdditiveModel(points)
	if !near(model.Slope, 3) {
		t.Fatalf("expected slope 3, got %f", model.Slope)
	}
	if !near(model.Intercept, 10) {
		t.Fatalf("expected intercept 10, got %f", model.Intercept)
	}
}

func TestAdditiveModelPredict_ClampsAtZero(t *testing.T) {
	model := reports.AdditiveModel{
		Intercept: 5,
		Slope:     -2,
		Seasonal:  map[time.Month]float64{time.March: -1},
	}
	if got := model.Predict(1, time.March, true); !near(got, 2) {
		t.Fatalf("expected 2, got %f", got)
	}
	if got := model.Predict(10, time.March, true); got != 0 {
		t.Fatalf("expected downtrend to clamp at zero, got %f", got)
	}
	if got := model.Predict(100, time.March, false); got != 0 {
		t.Fatalf("expected clamp without seasonal too, got %f", got)
	}
}

func TestFitAdditiveModel_Empty(t *testing.T) {
	model := reports.FitAdditiveModel(nil)
	if model.Slope != 0 || model.Intercept != 0 {
		t.Fatalf("expected zero model, got intercept %f slope %f", model.Intercept, model.Slope)
	}
	if got := model.Predict(5, time.March, true); got != 0 {
		t.Fatalf("expected zero prediction from empty model, got %f", got)
	}
	if got := model.Predict(2, time.September, false); got != 0 {
		t.Fatalf("expected zero prediction from empty model, got %f", got)
	}
}
