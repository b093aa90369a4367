package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/period"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

// Machine owns every subscription status transition: webhook events,
// lazy expiry, signup and reactivation.
type Machine struct {
	subs    subscription.Store
	catalog *Catalog
	grace   *GracePolicy
	plugins *plugin.Registry
	logger  *slog.Logger
	now     Clock
}

func newMachine(subs subscription.Store, catalog *Catalog, grace *GracePolicy, plugins *plugin.Registry, logger *slog.Logger, now Clock) *Machine {
	return &Machine{subs: subs, catalog: catalog, grace: grace, plugins: plugins, logger: logger, now: now}
}

// Active returns the user's active subscription. A row whose end instant has
// passed is persisted as revoked and ErrNoActiveSubscription is returned.
func (m *Machine) Active(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := m.subs.GetActiveSubscription(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	now := m.now()
	if !sub.Expired(now) {
		return sub, nil
	}

	sub.Status = subscription.StatusRevoked
	sub.AutoRenew = false
	sub.Touch(now)
	if err := m.subs.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("expire subscription %s: %w", sub.ID, err)
	}

	m.logger.Info("subscription expired",
		"subscription_id", sub.ID.String(),
		"user_id", userID,
		"ends_at", sub.EndsAt,
	)
	m.plugins.EmitSubscriptionExpired(ctx, sub)
	m.plugins.EmitSubscriptionChanged(ctx, sub, subscription.StatusActive)
	return nil, ErrNoActiveSubscription
}

// Get returns a subscription by id.
func (m *Machine) Get(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return m.subs.GetSubscription(ctx, subID)
}

// History lists a user's subscriptions, newest first.
func (m *Machine) History(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return m.subs.ListSubscriptions(ctx, userID, opts)
}

// AssignFreePlan is the signup hook. It returns the user's active
// subscription, creating one on the free plan when there is none.
func (m *Machine) AssignFreePlan(ctx context.Context, userID string) (*subscription.Subscription, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	current, err := m.Active(ctx, userID)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ErrNoActiveSubscription) {
		return nil, err
	}

	free, err := m.catalog.FreePlan(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sub := &subscription.Subscription{
		Entity:    types.EntityAt(now),
		ID:        id.NewSubscriptionID(),
		UserID:    userID,
		PlanID:    free.ID,
		Status:    subscription.StatusActive,
		StartsAt:  now,
		AutoRenew: true,
	}
	if err := m.subs.CreateSubscription(ctx, sub); err != nil {
		if IsConflict(err) {
			// Lost a signup race; the winner's row is the answer.
			return m.subs.GetActiveSubscription(ctx, userID)
		}
		return nil, err
	}

	m.logger.Info("free plan assigned", "user_id", userID, "plan_id", free.ID.String())
	m.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// Reactivate resumes the user's most recently ended subscription on planID
// when GracePolicy allows it. The row becomes active again with auto-renew on,
// and its end instant is rolled forward by whole periods past now.
func (m *Machine) Reactivate(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	d, err := m.grace.TryReactivate(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	if !d.Success {
		return nil, fmt.Errorf("%w: %s", ErrNotReactivatable, d.Message)
	}

	p, err := m.catalog.ActivePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sub := d.Subscription.Clone()
	from := sub.Status
	if !subscription.CanTransition(from, subscription.StatusActive) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, subscription.StatusActive)
	}
	prev, err := m.supersede(ctx, userID, sub.ID, now)
	if err != nil {
		return nil, err
	}

	sub.Status = subscription.StatusActive
	sub.AutoRenew = true
	sub.CanceledAt = nil
	if sub.EndsAt != nil {
		end := period.Roll(p.Cadence, *sub.EndsAt, now)
		sub.EndsAt = &end
	}
	sub.Touch(now)
	if err := m.settle(ctx, prev, sub.ID, m.subs.UpdateSubscription(ctx, sub)); err != nil {
		return nil, err
	}

	m.logger.Info("subscription reactivated",
		"subscription_id", sub.ID.String(),
		"user_id", userID,
		"from", from,
	)
	m.plugins.EmitSubscriptionReactivated(ctx, sub)
	m.plugins.EmitSubscriptionChanged(ctx, sub, from)
	return sub, nil
}

// ──────────────────────────────────────────────────
// Webhook transitions
// ──────────────────────────────────────────────────

// change is the field overwrite a webhook event implies.
type change struct {
	status    subscription.Status
	autoRenew bool
	// cancel marks events that set canceled_at: the payload value wins, then
	// an existing value, then now.
	cancel     bool
	canceledAt *time.Time
}

func changeFor(ev webhook.Event) (change, error) {
	switch e := ev.(type) {
	case *webhook.Created, *webhook.Activated, *webhook.Uncanceled:
		return change{status: subscription.StatusActive, autoRenew: true}, nil
	case *webhook.Updated:
		status, err := providerStatus(e.Status)
		if err != nil {
			return change{}, err
		}
		return change{status: status, autoRenew: !e.CancelAtPeriodEnd, canceledAt: e.CanceledAt}, nil
	case *webhook.Canceled:
		return change{status: subscription.StatusActive, cancel: true, canceledAt: e.CanceledAt}, nil
	case *webhook.Revoked:
		return change{status: subscription.StatusRevoked, cancel: true, canceledAt: e.CanceledAt}, nil
	default:
		return change{}, fmt.Errorf("%w: unhandled event %s", ErrInvalidInput, ev.Kind())
	}
}

// providerStatus maps the provider's status vocabulary onto ours.
func providerStatus(s string) (subscription.Status, error) {
	switch s {
	case "active", "trialing":
		return subscription.StatusActive, nil
	case "canceled":
		return subscription.StatusCanceled, nil
	case "past_due", "unpaid", "paused":
		return subscription.StatusPaused, nil
	case "pending", "incomplete":
		return subscription.StatusPending, nil
	case "revoked", "ended", "incomplete_expired":
		return subscription.StatusRevoked, nil
	default:
		return "", fmt.Errorf("%w: unknown provider status %q", ErrInvalidInput, s)
	}
}

// Handle applies one webhook event. Rows are keyed by the provider's
// subscription id and every handled event overwrites plan, period, status and
// renewal fields, so replays converge on the same row.
func (m *Machine) Handle(ctx context.Context, ev webhook.Event) Outcome {
	meta := ev.Metadata()
	out := Outcome{DeliveryID: meta.ID, Type: ev.Kind()}

	if _, ok := ev.(*webhook.Unknown); ok {
		m.logger.Warn("ignoring webhook event",
			"type", meta.Type,
			"delivery_id", meta.ID,
		)
		out.Result = Ok()
		out.Ignored = true
		return out
	}

	target := ev.Target()
	p, err := m.catalog.PlanByProduct(ctx, target.ProductID)
	if err != nil {
		m.logger.Error("webhook plan not resolvable",
			"type", meta.Type,
			"delivery_id", meta.ID,
			"product_id", target.ProductID,
			"error", err,
		)
		out.Result = Classify(err)
		return out
	}

	ch, err := changeFor(ev)
	if err != nil {
		m.logger.Error("webhook event rejected", "type", meta.Type, "delivery_id", meta.ID, "error", err)
		out.Result = Fatal(err)
		return out
	}

	sub, err := m.apply(ctx, target, p, ch, true)
	if err != nil {
		out.Result = Classify(err)
		lvl := slog.LevelError
		if out.Result.Kind == ResultRetryable {
			lvl = slog.LevelWarn
		}
		m.logger.Log(ctx, lvl, "webhook transition failed",
			"type", meta.Type,
			"delivery_id", meta.ID,
			"external_id", target.SubscriptionID,
			"result", out.Result.Kind.String(),
			"error", err,
		)
		return out
	}

	out.Result = Ok()
	out.Subscription = sub
	return out
}

// apply upserts the row for target. A uniqueness conflict is retried once
// through a fresh read.
func (m *Machine) apply(ctx context.Context, target webhook.Subject, p *plan.Plan, ch change, retry bool) (*subscription.Subscription, error) {
	now := m.now()

	existing, err := m.subs.GetSubscriptionByExternalID(ctx, target.SubscriptionID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	if existing == nil {
		sub := &subscription.Subscription{
			Entity:     types.EntityAt(now),
			ID:         id.NewSubscriptionID(),
			UserID:     target.UserID,
			ExternalID: target.SubscriptionID,
		}
		overwrite(sub, target, p, ch, now)
		var prev *superseded
		if sub.IsActive() {
			if prev, err = m.supersede(ctx, sub.UserID, sub.ID, now); err != nil {
				return nil, err
			}
		}
		if err := m.settle(ctx, prev, sub.ID, m.subs.CreateSubscription(ctx, sub)); err != nil {
			if IsConflict(err) && retry {
				m.logger.Warn("subscription create conflicted, retrying",
					"external_id", target.SubscriptionID,
					"user_id", target.UserID,
				)
				return m.apply(ctx, target, p, ch, false)
			}
			return nil, err
		}

		m.logger.Info("subscription created",
			"subscription_id", sub.ID.String(),
			"user_id", sub.UserID,
			"plan_id", p.ID.String(),
			"status", sub.Status,
		)
		m.plugins.EmitSubscriptionCreated(ctx, sub)
		return sub, nil
	}

	if target.UserID != existing.UserID {
		m.logger.Warn("webhook user differs from subscription owner",
			"external_id", target.SubscriptionID,
			"owner", existing.UserID,
			"payload_user", target.UserID,
		)
	}

	next := existing.Clone()
	overwrite(next, target, p, ch, now)
	var prev *superseded
	if next.IsActive() && !existing.IsActive() {
		if prev, err = m.supersede(ctx, next.UserID, next.ID, now); err != nil {
			return nil, err
		}
	}
	next.Touch(now)
	if err := m.settle(ctx, prev, next.ID, m.subs.UpdateSubscription(ctx, next)); err != nil {
		if IsConflict(err) && retry {
			m.logger.Warn("subscription update conflicted, retrying",
				"subscription_id", next.ID.String(),
				"user_id", next.UserID,
			)
			return m.apply(ctx, target, p, ch, false)
		}
		return nil, err
	}

	if next.Status != existing.Status {
		m.logger.Info("subscription status changed",
			"subscription_id", next.ID.String(),
			"user_id", next.UserID,
			"from", existing.Status,
			"to", next.Status,
		)
		m.plugins.EmitSubscriptionChanged(ctx, next, existing.Status)
	}
	if existing.AutoRenew && !next.AutoRenew {
		m.plugins.EmitSubscriptionCanceled(ctx, next)
	}
	return next, nil
}

// overwrite copies the event's view of the subscription onto sub. An active
// row whose period already ended is written as revoked.
func overwrite(sub *subscription.Subscription, target webhook.Subject, p *plan.Plan, ch change, now time.Time) {
	sub.PlanID = p.ID
	sub.StartsAt = target.CurrentPeriodStart.UTC()
	sub.EndsAt = utc(target.CurrentPeriodEnd)
	sub.Status = ch.status
	sub.AutoRenew = ch.autoRenew

	switch {
	case ch.cancel && ch.canceledAt != nil:
		sub.CanceledAt = utc(ch.canceledAt)
	case ch.cancel && sub.CanceledAt == nil:
		t := now
		sub.CanceledAt = &t
	case ch.cancel:
		// keep the first cancellation instant
	default:
		sub.CanceledAt = utc(ch.canceledAt)
	}

	if sub.IsActive() && sub.Expired(now) {
		sub.Status = subscription.StatusRevoked
		sub.AutoRenew = false
	}
}

// superseded is an active row revoked to make room for another one.
type superseded struct {
	before *subscription.Subscription
	after  *subscription.Subscription
}

// supersede revokes the user's active subscription unless it is keep. The
// revoke is only final once settle sees the replacing write succeed.
func (m *Machine) supersede(ctx context.Context, userID string, keep id.SubscriptionID, now time.Time) (*superseded, error) {
	cur, err := m.subs.GetActiveSubscription(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if cur.ID == keep {
		return nil, nil
	}

	next := cur.Clone()
	next.Status = subscription.StatusRevoked
	next.AutoRenew = false
	if next.EndsAt == nil || next.EndsAt.After(now) {
		t := now
		next.EndsAt = &t
	}
	next.Touch(now)
	if err := m.subs.UpdateSubscription(ctx, next); err != nil {
		return nil, fmt.Errorf("supersede subscription %s: %w", cur.ID, err)
	}
	return &superseded{before: cur, after: next}, nil
}

// settle finishes a supersede once the replacing write returned werr. On
// success the revoke is announced; on failure the old row is put back so the
// user keeps the subscription they had. werr is returned either way.
func (m *Machine) settle(ctx context.Context, prev *superseded, by id.SubscriptionID, werr error) error {
	if prev == nil {
		return werr
	}

	if werr == nil {
		m.logger.Info("subscription superseded",
			"subscription_id", prev.after.ID.String(),
			"user_id", prev.after.UserID,
			"by", by.String(),
		)
		m.plugins.EmitSubscriptionChanged(ctx, prev.after, subscription.StatusActive)
		return nil
	}

	restored := prev.before.Clone()
	restored.Touch(m.now())
	if err := m.subs.UpdateSubscription(ctx, restored); err != nil {
		m.logger.Error("superseded subscription not restored",
			"subscription_id", restored.ID.String(),
			"user_id", restored.UserID,
			"error", err,
		)
		return errors.Join(werr, fmt.Errorf("restore subscription %s: %w", restored.ID, err))
	}
	m.logger.Warn("superseded subscription restored",
		"subscription_id", restored.ID.String(),
		"user_id", restored.UserID,
		"error", werr,
	)
	return werr
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
