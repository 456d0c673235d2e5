// Package ledger enforces the sliding 24-hour token budget per client.
//
// Usage is never cached in process memory: every read and write goes to the
// Store, and Commit is the only write path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"burrowed-assistant/internal/domain"
)

// Window is the sliding budget window.
const Window = 24 * time.Hour

// Store persists ledger rows.
//
// Add must be atomic per client: read-or-create the row, overwrite
// TokensUsed with tokens if the row is older than window, otherwise add
// tokens to it, and set LastUpdated to now. It returns the new total.
type Store interface {
	Usage(ctx context.Context, clientID string) (domain.TokenUsage, bool, error)
	Add(ctx context.Context, clientID string, tokens int, now time.Time, window time.Duration) (int, error)
}

// PersistenceError wraps a storage failure during Commit.
type PersistenceError struct {
	ClientID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: commit for %q: %v", e.ClientID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Ledger struct {
	store      Store
	dailyLimit int
	now        func() time.Time
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(store Store, dailyLimit int, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	if dailyLimit <= 0 {
		return nil, errors.New("ledger: daily limit must be positive")
	}
	l := &Ledger{store: store, dailyLimit: dailyLimit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// DailyLimit returns the configured per-client budget.
func (l *Ledger) DailyLimit() int {
	return l.dailyLimit
}

// CurrentUsage returns the tokens consumed inside the window. A stale row
// reads as zero and is left untouched.
func (l *Ledger) CurrentUsage(ctx context.Context, clientID string) (int, error) {
	u, ok, err := l.store.Usage(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("ledger: read usage: %w", err)
	}
	if !ok || !u.Fresh(l.now(), Window) {
		return 0, nil
	}
	return u.TokensUsed, nil
}

// CheckLimit reports whether spending additional tokens stays within budget.
func (l *Ledger) CheckLimit(ctx context.Context, clientID string, additional int) (bool, error) {
	used, err := l.CurrentUsage(ctx, clientID)
	if err != nil {
		return false, err
	}
	return used+additional <= l.dailyLimit, nil
}

// Remaining returns the unspent budget, never below zero.
func (l *Ledger) Remaining(ctx context.Context, clientID string) (int, error) {
	used, err := l.CurrentUsage(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return l.RemainingAfter(used), nil
}

// RemainingAfter clamps dailyLimit-used at zero.
func (l *Ledger) RemainingAfter(used int) int {
	return max(0, l.dailyLimit-used)
}

// Commit charges tokens to the client and returns the new total. Storage
// failures are returned as *PersistenceError.
func (l *Ledger) Commit(ctx context.Context, clientID string, tokens int) (int, error) {
	if strings.TrimSpace(clientID) == "" {
		return 0, errors.New("ledger: client id must not be empty")
	}
	if tokens < 0 {
		return 0, fmt.Errorf("ledger: negative token charge %d", tokens)
	}
	total, err := l.store.Add(ctx, clientID, tokens, l.now(), Window)
	if err != nil {
		return 0, &PersistenceError{ClientID: clientID, Err: err}
	}
	return total, nil
}
