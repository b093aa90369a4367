// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit product. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/webhook"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnPlanCreated             = (*Extension)(nil)
	_ plugin.OnPlanArchived            = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated     = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged     = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired     = (*Extension)(nil)
	_ plugin.OnSubscriptionReactivated = (*Extension)(nil)
	_ plugin.OnEntitlementChecked      = (*Extension)(nil)
	_ plugin.OnQuotaExceeded           = (*Extension)(nil)
	_ plugin.OnWebhookReceived         = (*Extension)(nil)
	_ plugin.OnWebhookProcessed        = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryCatalog, nil,
		"slug", p.Slug,
		"product_id", p.ProductID,
		"free", p.Free,
	)
}

// OnPlanArchived implements plugin.OnPlanArchived.
func (e *Extension) OnPlanArchived(ctx context.Context, planID id.PlanID) error {
	return e.record(ctx, ActionPlanArchived, SeverityInfo, OutcomeSuccess,
		ResourcePlan, planID.String(), CategoryCatalog, nil,
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscription(ctx, ActionSubscriptionCreated, SeverityInfo, sub)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error {
	return e.subscription(ctx, ActionSubscriptionChanged, SeverityInfo, sub,
		"from", string(from),
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscription(ctx, ActionSubscriptionCanceled, SeverityInfo, sub)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscription(ctx, ActionSubscriptionExpired, SeverityWarning, sub)
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (e *Extension) OnSubscriptionReactivated(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscription(ctx, ActionSubscriptionReactivated, SeverityInfo, sub)
}

func (e *Extension) subscription(ctx context.Context, action, severity string, sub *subscription.Subscription, kvPairs ...any) error {
	kvPairs = append(kvPairs,
		"user_id", sub.UserID,
		"plan_id", sub.PlanID.String(),
		"status", string(sub.Status),
	)
	if sub.ExternalID != "" {
		kvPairs = append(kvPairs, "external_id", sub.ExternalID)
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		kvPairs...,
	)
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked implements plugin.OnEntitlementChecked. Only denials
// are audited; quota denials are covered by OnQuotaExceeded.
func (e *Extension) OnEntitlementChecked(ctx context.Context, userID string, result *entitlement.Result) error {
	if result.Allowed || result.Reason == entitlement.ReasonLimitExceeded {
		return nil
	}
	return e.record(ctx, ActionEntitlementDenied, SeverityInfo, OutcomeFailure,
		ResourceEntitlement, result.Feature, CategoryAccess, nil,
		"user_id", userID,
		"reason", result.Reason,
	)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, userID, featureCode string, used, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, featureCode, CategoryAccess, nil,
		"user_id", userID,
		"used", used,
		"limit", limit,
	)
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, ev webhook.Event) error {
	meta := ev.Metadata()
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, meta.ID, CategoryIntegration, nil,
		"type", meta.Type,
		"subscription_id", ev.Target().SubscriptionID,
	)
}

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (e *Extension) OnWebhookProcessed(ctx context.Context, deliveryID string, kind webhook.Kind, result string, err error) error {
	if err != nil {
		severity := SeverityError
		if result == "retryable" {
			severity = SeverityWarning
		}
		return e.record(ctx, ActionWebhookFailed, severity, OutcomeFailure,
			ResourceWebhook, deliveryID, CategoryIntegration, err,
			"type", string(kind),
			"result", result,
		)
	}
	return e.record(ctx, ActionWebhookProcessed, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, deliveryID, CategoryIntegration, nil,
		"type", string(kind),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
