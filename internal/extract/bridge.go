package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"priceguard/internal/core"
)

// BridgeExtractor calls the external scraping bridge over HTTP. The bridge
// runs the headless browsers; this client only speaks its JSON API.
type BridgeExtractor struct {
	name    string
	apiURL  string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewBridgeExtractor creates a bridge client for one retailer profile.
// name selects the bridge-side scraping profile ("amazon", "fnac", ...).
func NewBridgeExtractor(name, apiURL, apiKey string, timeout time.Duration) *BridgeExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeExtractor{
		name:    name,
		apiURL:  apiURL,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *BridgeExtractor) Name() string { return e.name }

type bridgeRequest struct {
	URL        string `json:"url"`
	Profile    string `json:"profile"`
	Screenshot bool   `json:"screenshot"`
}

// Extract POSTs the product URL to the bridge and maps its response onto the
// normalized payload. Transport failures and 5xx responses are transient;
// 429 is a throttle signal; any other non-200 is semantic.
func (e *BridgeExtractor) Extract(ctx context.Context, productURL string, takeScreenshot bool) (*core.ObservationPayload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(bridgeRequest{
		URL:        productURL,
		Profile:    e.name,
		Screenshot: takeScreenshot,
	})
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("marshal bridge request: %w", err))
	}

	req, err := http.NewRequestWithContext(reqCtx, "POST", e.apiURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("create bridge request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("bridge request for %s: %w", productURL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.Throttled(fmt.Errorf("bridge throttled request for %s", productURL))
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, core.Transient(fmt.Errorf("bridge returned status %d for %s: %s", resp.StatusCode, productURL, string(respBody)))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, core.Semantic(fmt.Errorf("bridge returned status %d for %s: %s", resp.StatusCode, productURL, string(respBody)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("read bridge response for %s: %w", productURL, err))
	}

	var payload core.ObservationPayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, core.Semantic(fmt.Errorf("parse bridge response for %s: %w", productURL, err))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}
