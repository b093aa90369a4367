package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated  = "plan.created"
	ActionPlanArchived = "plan.archived"

	// Subscription actions
	ActionSubscriptionCreated     = "subscription.created"
	ActionSubscriptionChanged     = "subscription.changed"
	ActionSubscriptionCanceled    = "subscription.canceled"
	ActionSubscriptionExpired     = "subscription.expired"
	ActionSubscriptionReactivated = "subscription.reactivated"

	// Entitlement actions
	ActionEntitlementDenied = "entitlement.denied"
	ActionQuotaExceeded     = "quota.exceeded"

	// Webhook actions
	ActionWebhookReceived  = "webhook.received"
	ActionWebhookProcessed = "webhook.processed"
	ActionWebhookFailed    = "webhook.failed"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceSubscription = "subscription"
	ResourceEntitlement  = "entitlement"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategoryCatalog      = "catalog"
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
