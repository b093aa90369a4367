// Package observability provides a metrics extension for Tally that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                    = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated             = (*MetricsExtension)(nil)
	_ plugin.OnPlanArchived            = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionReactivated = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded           = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked      = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded           = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived         = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tally plugin to track subscription and usage metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Plan metrics
	PlanCreated  Counter
	PlanArchived Counter

	// Subscription metrics
	SubscriptionCreated     Counter
	SubscriptionActivated   Counter
	SubscriptionCanceled    Counter
	SubscriptionRevoked     Counter
	SubscriptionExpired     Counter
	SubscriptionReactivated Counter

	// Usage metrics
	UsageRecorded Counter
	UsageCount    Histogram

	// Entitlement metrics
	EntitlementChecks         Counter
	EntitlementDenied         Counter
	EntitlementNoSubscription Counter
	QuotaExceeded             Counter

	// Webhook metrics
	WebhookReceived  Counter
	WebhookProcessed Counter
	WebhookRetryable Counter
	WebhookFatal     Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory standalone.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PlanCreated:  factory.Counter("tally.plan.created"),
		PlanArchived: factory.Counter("tally.plan.archived"),

		SubscriptionCreated:     factory.Counter("tally.subscription.created"),
		SubscriptionActivated:   factory.Counter("tally.subscription.activated"),
		SubscriptionCanceled:    factory.Counter("tally.subscription.canceled"),
		SubscriptionRevoked:     factory.Counter("tally.subscription.revoked"),
		SubscriptionExpired:     factory.Counter("tally.subscription.expired"),
		SubscriptionReactivated: factory.Counter("tally.subscription.reactivated"),

		UsageRecorded: factory.Counter("tally.usage.recorded"),
		UsageCount:    factory.Histogram("tally.usage.count"),

		EntitlementChecks:         factory.Counter("tally.entitlement.checks"),
		EntitlementDenied:         factory.Counter("tally.entitlement.denied"),
		EntitlementNoSubscription: factory.Counter("tally.entitlement.no_subscription"),
		QuotaExceeded:             factory.Counter("tally.entitlement.quota_exceeded"),

		WebhookReceived:  factory.Counter("tally.webhook.received"),
		WebhookProcessed: factory.Counter("tally.webhook.processed"),
		WebhookRetryable: factory.Counter("tally.webhook.retryable"),
		WebhookFatal:     factory.Counter("tally.webhook.fatal"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnPlanArchived implements plugin.OnPlanArchived.
func (m *MetricsExtension) OnPlanArchived(_ context.Context, _ id.PlanID) error {
	m.PlanArchived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged. Only the
// target status is counted.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, sub *subscription.Subscription, _ subscription.Status) error {
	switch sub.Status {
	case subscription.StatusActive:
		m.SubscriptionActivated.Inc()
	case subscription.StatusRevoked:
		m.SubscriptionRevoked.Inc()
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (m *MetricsExtension) OnSubscriptionReactivated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionReactivated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage and entitlement hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (m *MetricsExtension) OnUsageRecorded(_ context.Context, _ usage.Key, count int64) error {
	m.UsageRecorded.Inc()
	m.UsageCount.Observe(float64(count))
	return nil
}

// OnEntitlementChecked implements plugin.OnEntitlementChecked.
func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, _ string, result *entitlement.Result) error {
	m.EntitlementChecks.Inc()
	if !result.Allowed {
		m.EntitlementDenied.Inc()
	}
	if result.NoSubscription() {
		m.EntitlementNoSubscription.Inc()
	}
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _, _ string, _, _ int64) error {
	m.QuotaExceeded.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _ webhook.Event) error {
	m.WebhookReceived.Inc()
	return nil
}

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, _ string, _ webhook.Kind, result string, _ error) error {
	switch result {
	case "retryable":
		m.WebhookRetryable.Inc()
	case "fatal":
		m.WebhookFatal.Inc()
	default:
		m.WebhookProcessed.Inc()
	}
	return nil
}
