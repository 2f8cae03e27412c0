package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"priceguard/internal/core"
)

// inAppTTL is how long an unread in-app notification stays visible before
// retention sweeps it.
const inAppTTL = 30 * 24 * time.Hour

// InAppStore persists in-app notification rows.
type InAppStore interface {
	SaveInAppNotification(ctx context.Context, n *core.InAppNotification) error
}

// InAppAdapter stores alerts as in-app notification rows; the frontend reads
// them straight from the store.
type InAppAdapter struct {
	store InAppStore
	clock core.Clock
}

func NewInAppAdapter(store InAppStore, clock core.Clock) *InAppAdapter {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &InAppAdapter{store: store, clock: clock}
}

func (a *InAppAdapter) Channel() core.Channel { return core.ChannelInApp }

// Deliver stores one row per alert. The rows are their own reference, so
// there is no external message id to report.
func (a *InAppAdapter) Deliver(ctx context.Context, user *core.User, alerts []*core.Alert) (string, error) {
	now := a.clock.Now()
	for _, alert := range alerts {
		n := &core.InAppNotification{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			AlertID:   alert.ID,
			Title:     subjectFor(alert),
			Body:      alert.Message,
			CreatedAt: now,
			ExpiresAt: now.Add(inAppTTL),
		}
		if err := a.store.SaveInAppNotification(ctx, n); err != nil {
			return "", fmt.Errorf("store in-app notification for alert %s: %w", alert.ID, err)
		}
	}
	return "", nil
}
