package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"priceguard/internal/core"
)

// EmailAdapter sends alert emails via the Resend API.
type EmailAdapter struct {
	apiKey    string
	fromEmail string
	client    *http.Client
}

func NewEmailAdapter(apiKey, fromEmail string) *EmailAdapter {
	return &EmailAdapter{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		client:    &http.Client{},
	}
}

func (a *EmailAdapter) Channel() core.Channel { return core.ChannelEmail }

// Deliver sends one email covering every alert: a single-alert message or a
// digest, depending on count. Returns the Resend message id.
func (a *EmailAdapter) Deliver(ctx context.Context, user *core.User, alerts []*core.Alert) (string, error) {
	if a.apiKey == "" {
		return "", fmt.Errorf("Resend API key is not configured")
	}
	if a.fromEmail == "" {
		return "", fmt.Errorf("sender email is not configured")
	}
	if user.Email == "" {
		return "", fmt.Errorf("user %s has no email address", user.ID)
	}

	subject, textBody, htmlBody := FormatAlertEmail(alerts)

	payload := map[string]interface{}{
		"from":    a.fromEmail,
		"to":      []string{user.Email},
		"subject": subject,
		"text":    textBody,
	}
	if htmlBody != "" {
		payload["html"] = htmlBody
	} else {
		payload["html"] = fmt.Sprintf("<p>%s</p>", strings.ReplaceAll(textBody, "\n", "<br>"))
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.resend.com/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send email via Resend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("Resend API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		log.Printf("⚠️ Could not parse Resend response id: %v", err)
	}

	log.Printf("📧 Email sent via Resend to %s (%d alerts)", user.Email, len(alerts))
	return result.ID, nil
}
