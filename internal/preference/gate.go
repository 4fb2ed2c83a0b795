// Package preference decides whether a recipient may be notified on a
// channel right now.
package preference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

// Store loads preferences, creating the default record on first lookup.
type Store interface {
	GetOrDefault(ctx context.Context, recipientID string) (*notification.Preferences, error)
}

type Decision int

const (
	Allow Decision = iota
	Deny
	Defer
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Result of a gate check. Until is set for Defer.
type Result struct {
	Decision Decision
	Until    time.Time
	Reason   string
}

// Message categories with their own opt-in flags.
const (
	CategoryMarketing = "marketing"
	CategoryDigest    = "digest"
)

// Query describes one gate check.
type Query struct {
	RecipientID string
	Channel     notification.Channel
	Priority    notification.Priority
	Category    string
}

type Gate struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IsChannelAllowed checks the recipient's channel toggle and quiet hours at
// the current time.
func (g *Gate) IsChannelAllowed(ctx context.Context, recipientID string, ch notification.Channel, p notification.Priority) (Result, error) {
	return g.Evaluate(ctx, Query{RecipientID: recipientID, Channel: ch, Priority: p}, g.now())
}

// Evaluate runs a full check at time at.
func (g *Gate) Evaluate(ctx context.Context, q Query, at time.Time) (Result, error) {
	prefs, err := g.store.GetOrDefault(ctx, q.RecipientID)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences for %s: %w", q.RecipientID, err)
	}
	res := Check(prefs, q, at)
	if res.Decision != Allow {
		g.logger.Debug("preference gate",
			zap.String("recipient_id", q.RecipientID),
			zap.String("channel", string(q.Channel)),
			zap.String("decision", res.Decision.String()),
			zap.String("reason", res.Reason),
		)
	}
	return res, nil
}

// NextAllowed returns the earliest time at or after t that is outside the
// recipient's quiet hours for priority p.
func (g *Gate) NextAllowed(ctx context.Context, recipientID string, p notification.Priority, t time.Time) (time.Time, error) {
	prefs, err := g.store.GetOrDefault(ctx, recipientID)
	if err != nil {
		return t, fmt.Errorf("load preferences for %s: %w", recipientID, err)
	}
	return NextAllowed(prefs, p, t), nil
}

// Check is the pure decision over already loaded preferences.
func Check(prefs *notification.Preferences, q Query, at time.Time) Result {
	if !prefs.ChannelEnabled(q.Channel) {
		return Result{Decision: Deny, Reason: "channel disabled"}
	}
	switch q.Category {
	case CategoryMarketing:
		if !MarketingAllowed(prefs) {
			return Result{Decision: Deny, Reason: "marketing disabled"}
		}
	case CategoryDigest:
		if !DigestAllowed(prefs) {
			return Result{Decision: Deny, Reason: "digest disabled"}
		}
	}
	if next := NextAllowed(prefs, q.Priority, at); next.After(at) {
		return Result{Decision: Defer, Until: next, Reason: "quiet hours"}
	}
	return Result{Decision: Allow}
}

// MarketingAllowed requires both the email channel and the marketing flag.
func MarketingAllowed(p *notification.Preferences) bool {
	return p.EmailEnabled && p.MarketingEnabled
}

func DigestAllowed(p *notification.Preferences) bool {
	return p.EmailEnabled && p.DigestEnabled
}
