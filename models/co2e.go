package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Emission quantities are stored in kilograms CO2e and published in tonnes.
// Published numbers are rounded PER SCOPE first; a period total is defined as
// the sum of its rounded scope subtotals, never as a rounded raw sum. The two
// differ in the last decimal place often enough that dashboards drift apart
// when anyone reduces raw rows themselves, so no caller outside this package
// may convert or round.

var KgPerTonne = decimal.NewFromInt(1000)

// decimal places on published tonne values
const PublishedScale = 1

func KgToTonnes(kg decimal.Decimal) decimal.Decimal {
	return kg.Div(KgPerTonne)
}

// RoundPublished rounds half away from zero to the published scale.
func RoundPublished(t decimal.Decimal) decimal.Decimal {
	return t.Round(PublishedScale)
}

// PublishKg converts a raw kg sum to published tonnes.
func PublishKg(kg decimal.Decimal) decimal.Decimal {
	return RoundPublished(KgToTonnes(kg))
}

type ScopeTotals struct {
	Scope1 decimal.Decimal `json:"scope1"`
	Scope2 decimal.Decimal `json:"scope2"`
	Scope3 decimal.Decimal `json:"scope3"`
	Total  decimal.Decimal `json:"total"`
}

// PublishScopeTotals rounds each scope subtotal independently and derives the
// total from the rounded values.
func PublishScopeTotals(scope1Kg, scope2Kg, scope3Kg decimal.Decimal) ScopeTotals {
	s1 := PublishKg(scope1Kg)
	s2 := PublishKg(scope2Kg)
	s3 := PublishKg(scope3Kg)
	return ScopeTotals{
		Scope1: s1,
		Scope2: s2,
		Scope3: s3,
		Total:  s1.Add(s2).Add(s3),
	}
}

// PercentOfTotal returns part/total as a percentage at the published scale.
// Zero total reports zero, never a division error.
func PercentOfTotal(part, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return part.Mul(decimal.NewFromInt(100)).DivRound(total, PublishedScale)
}

// IntensityRatio divides published tonnes by a denominator at 4 decimal places.
func IntensityRatio(tonnes, denominator decimal.Decimal) decimal.Decimal {
	return tonnes.DivRound(denominator, 4)
}

// ReconcileToTotal distributes a published total across parts by largest
// remainder in 0.1-unit steps, so breakdown rows always sum to exactly the
// total the period query published. Individual rows can land one step away
// from their standalone rounding.
//
// Ties go to the larger part; full ties keep the caller's order, so callers
// must pass parts in their deterministic display order (name or month asc).
// Parts must be non-negative tonne values; total must already be published
// (1dp, non-negative).
func ReconcileToTotal(parts []decimal.Decimal, total decimal.Decimal) []decimal.Decimal {
	n := len(parts)
	if n == 0 {
		return nil
	}

	ten := decimal.NewFromInt(10)
	units := make([]int64, n)
	rems := make([]decimal.Decimal, n)
	var sumUnits int64
	for i, v := range parts {
		scaled := v.Mul(ten)
		fl := scaled.Floor()
		units[i] = fl.IntPart()
		rems[i] = scaled.Sub(fl)
		sumUnits += units[i]
	}
	targetUnits := total.Mul(ten).Round(0).IntPart()
	leftover := targetUnits - sumUnits

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	if leftover > 0 {
		sort.SliceStable(idx, func(a, b int) bool {
			ra, rb := rems[idx[a]], rems[idx[b]]
			if !ra.Equal(rb) {
				return ra.GreaterThan(rb)
			}
			return parts[idx[a]].GreaterThan(parts[idx[b]])
		})
		for k := 0; leftover > 0; k = (k + 1) % n {
			units[idx[k]]++
			leftover--
		}
	} else if leftover < 0 {
		sort.SliceStable(idx, func(a, b int) bool {
			ra, rb := rems[idx[a]], rems[idx[b]]
			if !ra.Equal(rb) {
				return ra.LessThan(rb)
			}
			return parts[idx[a]].LessThan(parts[idx[b]])
		})
		// sumUnits > targetUnits >= 0 guarantees a positive unit exists,
		// so the walk terminates.
		for k := 0; leftover < 0; k = (k + 1) % n {
			if units[idx[k]] > 0 {
				units[idx[k]]--
				leftover++
			}
		}
	}

	out := make([]decimal.Decimal, n)
	for i := range units {
		out[i] = decimal.New(units[i], -1)
	}
	return out
}
