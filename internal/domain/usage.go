package domain

import "time"

// TokenUsage is the ledger row for a single client identifier.
type TokenUsage struct {
	ClientID    string
	TokensUsed  int
	LastUpdated time.Time
}

// Fresh reports whether the row still counts against the window ending at now.
func (u TokenUsage) Fresh(now time.Time, window time.Duration) bool {
	return !u.LastUpdated.Before(now.Add(-window))
}
