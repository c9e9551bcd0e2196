package ingestion

import "encoding/json"

type SyncDomains struct {
	Emissions bool `json:"emissions"`
	Energy    bool `json:"energy"`
	Water     bool `json:"water"`
	Waste     bool `json:"waste"`
}

func DefaultDomains() SyncDomains {
	return SyncDomains{
		Emissions: true,
		Energy:    true,
		Water:     false,
		Waste:     false,
	}
}

func NormalizeDomains(dom SyncDomains) SyncDomains {
	// The emissions feed must always be enabled.
	dom.Emissions = true
	return dom
}

func DecodeDomains(raw []byte) SyncDomains {
	if len(raw) == 0 {
		return DefaultDomains()
	}
	var dom SyncDomains
	if err := json.Unmarshal(raw, &dom); err != nil {
		return DefaultDomains()
	}
	return NormalizeDomains(dom)
}

func EncodeDomains(dom SyncDomains) []byte {
	b, _ := json.Marshal(NormalizeDomains(dom))
	return b
}

type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

type CursorState struct {
	Emissions CursorEntry `json:"emissions"`
	Energy    CursorEntry `json:"energy"`
	Water     CursorEntry `json:"water"`
	Waste     CursorEntry `json:"waste"`
}

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}

type ConnectRequest struct {
	PortfolioId   string `json:"portfolioId"`
	PortfolioName string `json:"portfolioName"`
	APIKey        string `json:"apiKey"`
}

type UpdateSettingsRequest struct {
	Domains SyncDomains `json:"domains"`
}

type TriggerSyncRequest struct {
	Domains SyncDomains `json:"domains"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Domains           SyncDomains        `json:"domains"`
}

type ConnectionResponse struct {
	Status        string `json:"status"`
	PortfolioId   string `json:"portfolioId"`
	PortfolioName string `json:"portfolioName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId          uint   `json:"run_id"`
	OrganizationId string `json:"organization_id"`
	ConnectionId   uint   `json:"connection_id"`
}
