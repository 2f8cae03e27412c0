package notify

import (
	"fmt"
	"strings"

	"priceguard/internal/core"
)

// FormatAlertEmail renders the subject, plain text and HTML bodies for one or
// more alerts. A single alert gets a direct subject line; multiple alerts
// become a digest.
func FormatAlertEmail(alerts []*core.Alert) (subject, textBody, htmlBody string) {
	if len(alerts) == 1 {
		return formatSingle(alerts[0])
	}
	return formatDigest(alerts)
}

func formatSingle(a *core.Alert) (string, string, string) {
	subject := subjectFor(a)

	var text strings.Builder
	text.WriteString(a.Message)
	text.WriteString("\n\n")
	if a.PreviousPrice != nil {
		text.WriteString(fmt.Sprintf("Previous price: %s %s\n", a.PreviousPrice, a.Currency))
	}
	text.WriteString(fmt.Sprintf("Current price: %s %s\n", a.CurrentPrice, a.Currency))
	if a.PercentageDrop != nil {
		text.WriteString(fmt.Sprintf("Drop: %.1f%%\n", *a.PercentageDrop))
	}

	var html strings.Builder
	html.WriteString("<h2>" + subject + "</h2>")
	html.WriteString("<p>" + a.Message + "</p>")
	html.WriteString("<table>")
	if a.PreviousPrice != nil {
		html.WriteString(fmt.Sprintf("<tr><td>Previous price</td><td>%s %s</td></tr>", a.PreviousPrice, a.Currency))
	}
	html.WriteString(fmt.Sprintf("<tr><td>Current price</td><td><strong>%s %s</strong></td></tr>", a.CurrentPrice, a.Currency))
	if a.PercentageDrop != nil {
		html.WriteString(fmt.Sprintf("<tr><td>Drop</td><td>%.1f%%</td></tr>", *a.PercentageDrop))
	}
	html.WriteString("</table>")

	return subject, text.String(), html.String()
}

func formatDigest(alerts []*core.Alert) (string, string, string) {
	subject := fmt.Sprintf("🔔 %d price alerts for you", len(alerts))

	var text strings.Builder
	text.WriteString(fmt.Sprintf("You have %d new alerts:\n\n", len(alerts)))
	var html strings.Builder
	html.WriteString(fmt.Sprintf("<h2>You have %d new alerts</h2><ul>", len(alerts)))
	for _, a := range alerts {
		text.WriteString("- " + a.Message + "\n")
		html.WriteString("<li>" + a.Message + "</li>")
	}
	html.WriteString("</ul>")

	return subject, text.String(), html.String()
}

func subjectFor(a *core.Alert) string {
	switch a.Type {
	case core.AlertLowestPriceEver:
		return "🏆 Lowest price ever: " + shortMessage(a)
	case core.AlertPriceDrop:
		return "💰 Price drop: " + shortMessage(a)
	case core.AlertBackInStock:
		return "✅ Back in stock: " + shortMessage(a)
	case core.AlertOutOfStock:
		return "⚠️ Out of stock: " + shortMessage(a)
	case core.AlertDeal:
		return "🔥 Deal spotted: " + shortMessage(a)
	}
	return "🔔 Price alert"
}

func shortMessage(a *core.Alert) string {
	msg := a.Message
	if idx := strings.IndexAny(msg, ":"); idx > 0 && idx < 60 {
		return msg[:idx]
	}
	if len(msg) > 60 {
		return msg[:60]
	}
	return msg
}
