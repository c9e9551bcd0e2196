package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimalInput converts loosely-formatted quantity inputs to a Decimal.
// Upstream spreadsheets and connectors send values like:
// - "20,000"
// - "1,234.5 kWh"
// - "tCO2e 36.64"
// - "-120.5"
//
// Keep digits, '.', and a leading '-' only.
func ParseDecimalInput(i interface{}) (decimal.Decimal, error) {
	switch v := i.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s != "" {
			s = strings.ReplaceAll(s, ",", "")
			s = strings.TrimSpace(s)
		}
		neg := false
		if strings.HasPrefix(s, "-") {
			neg = true
			s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
		}
		// Strip everything except digits and '.'.
		var b strings.Builder
		b.Grow(len(s) + 1)
		for _, r := range s {
			if (r >= '0' && r <= '9') || r == '.' {
				b.WriteRune(r)
			}
		}
		clean := b.String()
		if clean == "" {
			return decimal.NewFromInt(0), fmt.Errorf("invalid value")
		}
		if neg {
			clean = "-" + clean
		}

		val, err := decimal.NewFromString(clean)
		if err != nil {
			return decimal.NewFromInt(0), err
		}
		return val, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.NewFromInt(0), fmt.Errorf("invalid value")
	}
}
