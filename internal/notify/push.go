package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"priceguard/internal/core"
)

// PushAdapter delivers alerts through a push gateway webhook. The gateway
// fans out to the actual platform services (APNs, FCM).
type PushAdapter struct {
	gatewayURL string
	apiKey     string
	client     *http.Client
}

func NewPushAdapter(gatewayURL, apiKey string) *PushAdapter {
	return &PushAdapter{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *PushAdapter) Channel() core.Channel { return core.ChannelPush }

type pushPayload struct {
	Token    string   `json:"token"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	AlertIDs []string `json:"alert_ids"`
}

// Deliver posts the push to the gateway and returns the gateway's message id.
func (a *PushAdapter) Deliver(ctx context.Context, user *core.User, alerts []*core.Alert) (string, error) {
	if a.gatewayURL == "" {
		return "", fmt.Errorf("push gateway URL is not configured")
	}
	if user.PushToken == "" {
		return "", fmt.Errorf("user %s has no push token", user.ID)
	}

	title := subjectFor(alerts[0])
	body := alerts[0].Message
	if len(alerts) > 1 {
		title = fmt.Sprintf("🔔 %d price alerts", len(alerts))
		body = alerts[0].Message + " and more"
	}
	ids := make([]string, 0, len(alerts))
	for _, al := range alerts {
		ids = append(ids, al.ID)
	}

	jsonData, err := json.Marshal(pushPayload{
		Token:    user.PushToken,
		Title:    title,
		Body:     body,
		AlertIDs: ids,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.gatewayURL+"/v1/push", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send push via gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("push gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(respBody, &result)

	log.Printf("🔔 Push sent to user %s (%d alerts)", user.ID, len(alerts))
	return result.MessageID, nil
}
