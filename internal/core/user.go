package core

import "time"

// User is the slice of the account the monitoring core needs: identity plus
// delivery endpoints. Account management itself lives elsewhere.
type User struct {
	ID        string
	Email     string
	PushToken string
	Active    bool
	CreatedAt time.Time
}
