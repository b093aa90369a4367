package tally

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/subscription"
)

// DefaultGraceWindow is how long after a subscription ends it may be resumed
// without a new payment.
const DefaultGraceWindow = 7 * 24 * time.Hour

// Reactivation decision messages.
const (
	MessageNoPrevious    = "no previous subscription"
	MessageGraceExpired  = "reactivation period has expired"
	MessageReactivatable = "subscription can be reactivated"
)

// Decision is the verdict of GracePolicy.TryReactivate. Subscription is the
// most recently ended row when one exists.
type Decision struct {
	Success      bool                       `json:"success"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Message      string                     `json:"message"`
}

// GracePolicy adjudicates reactivation. It never writes.
type GracePolicy struct {
	subs   subscription.Store
	window time.Duration
	now    Clock
}

func newGracePolicy(subs subscription.Store, window time.Duration, now Clock) *GracePolicy {
	return &GracePolicy{subs: subs, window: window, now: now}
}

// Window returns the configured grace window.
func (g *GracePolicy) Window() time.Duration { return g.window }

// TryReactivate looks up the latest canceled or revoked subscription of user
// on planID and decides whether it is still inside the grace window.
// Only store faults are returned as errors.
func (g *GracePolicy) TryReactivate(ctx context.Context, userID string, planID id.PlanID) (Decision, error) {
	sub, err := g.subs.GetLatestEndedSubscription(ctx, userID, planID)
	if err != nil {
		if IsNotFound(err) {
			return Decision{Message: MessageNoPrevious}, nil
		}
		return Decision{}, err
	}
	return g.Decide(sub, g.now()), nil
}

// Decide applies the grace window to sub at now. The deadline itself is
// still inside the window.
func (g *GracePolicy) Decide(sub *subscription.Subscription, now time.Time) Decision {
	if sub == nil || !sub.Status.Ended() {
		return Decision{Message: MessageNoPrevious}
	}
	deadline := sub.EndedAt().Add(g.window)
	if now.After(deadline) {
		return Decision{Subscription: sub, Message: MessageGraceExpired}
	}
	return Decision{Success: true, Subscription: sub, Message: MessageReactivatable}
}
