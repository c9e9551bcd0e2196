package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type meterflowClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newMeterflowClient(apiKey string) (*meterflowClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("METERFLOW_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.meterflow.io"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("METERFLOW_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("meterflow api key is empty")
	}
	rateLimitPerMin := int64(10)
	if v := strings.TrimSpace(os.Getenv("METERFLOW_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &meterflowClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type meterflowListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *meterflowClient) getList(ctx context.Context, path string, params url.Values) (meterflowListResponse, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return meterflowListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return meterflowListResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meterflowListResponse{}, fmt.Errorf("meterflow api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed meterflowListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return meterflowListResponse{}, err
	}
	return parsed, nil
}
