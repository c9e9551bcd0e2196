package models

import (
	"context"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

const (
	IntegrationProviderMeterFlow = "meterflow"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	OrganizationId    string     `gorm:"index;not null" json:"organization_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	PortfolioId       string     `gorm:"size:100" json:"portfolio_id"`
	PortfolioName     string     `gorm:"size:255" json:"portfolio_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	OrganizationId  string     `gorm:"index;not null" json:"organization_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	Provider        string     `gorm:"index;size:50;not null" json:"provider"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	DomainsJSON     []byte     `gorm:"type:json" json:"domains"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	CursorStateJSON []byte     `gorm:"type:json" json:"cursor_state"`
	RecordsSynced   int        `json:"records_synced"`
	ErrorCount      int        `json:"error_count"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationEntityMapping remembers how provider identifiers resolve to
// catalog entries, so a series only has to be matched once.
type IntegrationEntityMapping struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	OrganizationId string     `gorm:"uniqueIndex:idx_integration_mapping,priority:1;not null" json:"organization_id"`
	ConnectionId   uint       `gorm:"index;not null" json:"connection_id"`
	Provider       string     `gorm:"uniqueIndex:idx_integration_mapping,priority:2;size:50;not null" json:"provider"`
	EntityType     string     `gorm:"uniqueIndex:idx_integration_mapping,priority:3;size:50;not null" json:"entity_type"`
	ExternalId     string     `gorm:"uniqueIndex:idx_integration_mapping,priority:4;size:128;not null" json:"external_id"`
	InternalId     string     `gorm:"size:128;not null" json:"internal_id"`
	LastSeenAt     *time.Time `json:"last_seen_at"`
	MetadataJSON   []byte     `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetIntegrationSnapshot assembles the organization's connector state as one
// JSON document for the internal diagnostics endpoint: connections, resolved
// series mappings and the most recent sync runs.
func GetIntegrationSnapshot(ctx context.Context, organizationId string) (string, error) {
	db := config.GetDB()
	data := make(map[string]interface{})

	var connections []IntegrationConnection
	err := db.WithContext(ctx).Where("organization_id = ?", organizationId).
		Order("id ASC").Find(&connections).Error
	if err != nil {
		return "", err
	}
	data["connections"] = connections

	var mappings []IntegrationEntityMapping
	db.WithContext(ctx).Where("organization_id = ?", organizationId).
		Order("entity_type ASC, external_id ASC").Find(&mappings)
	data["mappings"] = mappings

	var runs []IntegrationSyncRun
	db.WithContext(ctx).Where("organization_id = ?", organizationId).
		Order("created_at DESC").Limit(20).Find(&runs)
	data["recent_runs"] = runs

	jsonStr, err := utils.MarshalToJSON(data)
	if err != nil {
		return "", err
	}
	return jsonStr, nil
}

type IntegrationSyncError struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	SyncRunId      uint      `gorm:"index;not null" json:"sync_run_id"`
	OrganizationId string    `gorm:"index;not null" json:"organization_id"`
	EntityType     string    `gorm:"size:50" json:"entity_type"`
	ExternalId     string    `gorm:"size:128" json:"external_id"`
	ErrorCode      string    `gorm:"size:64" json:"error_code"`
	Message        string    `gorm:"type:text" json:"message"`
	PayloadJSON    []byte    `gorm:"type:json" json:"payload"`
	Retryable      bool      `gorm:"default:false" json:"retryable"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
