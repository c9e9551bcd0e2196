package models

import "time"

// Drift detection output (nightly/admin-triggered).
type ReconciliationReport struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;index;not null" json:"organization_id"`
	CheckType      string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. TARGET_MATH, RESTATEMENT_LEDGER
	EntityType     string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. SustainabilityTarget, BaselineRestatement
	EntityId       int       `gorm:"index;not null" json:"entity_id"`           // target_id, restatement_id, etc
	Details        string    `gorm:"type:text" json:"details"`                  // human-readable mismatch detail
	CorrelationId  string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
