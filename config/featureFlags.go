package config

import (
	"os"
	"strings"
)

// RestatementDistinctApprover requires the approver of a baseline restatement
// to be a different user than the requester (four-eyes rule).
//
// Set via env:
// - RESTATEMENT_DISTINCT_APPROVER=true
func RestatementDistinctApprover() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RESTATEMENT_DISTINCT_APPROVER")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ForecastSeasonalDisabled drops the seasonal component of the model-based
// forecast and keeps trend only. Escape hatch for organizations whose history
// is too irregular for monthly indices to be meaningful.
//
// Set via env:
// - FORECAST_DISABLE_SEASONAL=true
func ForecastSeasonalDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FORECAST_DISABLE_SEASONAL")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// IngestDomainsEnabled restricts which activity domains the ingest pipeline
// accepts. Empty means all domains.
//
// Set via env:
// - INGEST_DOMAINS="emissions,energy,water,waste"
//
// Domain keys are case-insensitive.
func IngestDomainsEnabled(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	raw := os.Getenv("INGEST_DOMAINS")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == domain {
			return true
		}
	}
	return false
}
