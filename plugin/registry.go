package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// DefaultTimeout bounds every plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                    []OnInit
	onShutdown                []OnShutdown
	onPlanCreated             []OnPlanCreated
	onPlanArchived            []OnPlanArchived
	onSubscriptionCreated     []OnSubscriptionCreated
	onSubscriptionChanged     []OnSubscriptionChanged
	onSubscriptionCanceled    []OnSubscriptionCanceled
	onSubscriptionExpired     []OnSubscriptionExpired
	onSubscriptionReactivated []OnSubscriptionReactivated
	onUsageRecorded           []OnUsageRecorded
	onEntitlementChecked      []OnEntitlementChecked
	onQuotaExceeded           []OnQuotaExceeded
	onWebhookReceived         []OnWebhookReceived
	onWebhookProcessed        []OnWebhookProcessed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-call timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
		hooks = append(hooks, "OnPlanCreated")
	}
	if v, ok := p.(OnPlanArchived); ok {
		r.onPlanArchived = append(r.onPlanArchived, v)
		hooks = append(hooks, "OnPlanArchived")
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
		hooks = append(hooks, "OnSubscriptionCreated")
	}
	if v, ok := p.(OnSubscriptionChanged); ok {
		r.onSubscriptionChanged = append(r.onSubscriptionChanged, v)
		hooks = append(hooks, "OnSubscriptionChanged")
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
		hooks = append(hooks, "OnSubscriptionCanceled")
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
		hooks = append(hooks, "OnSubscriptionExpired")
	}
	if v, ok := p.(OnSubscriptionReactivated); ok {
		r.onSubscriptionReactivated = append(r.onSubscriptionReactivated, v)
		hooks = append(hooks, "OnSubscriptionReactivated")
	}
	if v, ok := p.(OnUsageRecorded); ok {
		r.onUsageRecorded = append(r.onUsageRecorded, v)
		hooks = append(hooks, "OnUsageRecorded")
	}
	if v, ok := p.(OnEntitlementChecked); ok {
		r.onEntitlementChecked = append(r.onEntitlementChecked, v)
		hooks = append(hooks, "OnEntitlementChecked")
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		hooks = append(hooks, "OnQuotaExceeded")
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
		hooks = append(hooks, "OnWebhookReceived")
	}
	if v, ok := p.(OnWebhookProcessed); ok {
		r.onWebhookProcessed = append(r.onWebhookProcessed, v)
		hooks = append(hooks, "OnWebhookProcessed")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", load(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", load(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, p *plan.Plan) {
	emit(ctx, r, "OnPlanCreated", load(r, &r.onPlanCreated), func(h OnPlanCreated) error {
		return h.OnPlanCreated(ctx, p)
	})
}

// EmitPlanArchived emits a plan archived event.
func (r *Registry) EmitPlanArchived(ctx context.Context, planID id.PlanID) {
	emit(ctx, r, "OnPlanArchived", load(r, &r.onPlanArchived), func(h OnPlanArchived) error {
		return h.OnPlanArchived(ctx, planID)
	})
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCreated", load(r, &r.onSubscriptionCreated), func(h OnSubscriptionCreated) error {
		return h.OnSubscriptionCreated(ctx, sub)
	})
}

// EmitSubscriptionChanged emits a status change event.
func (r *Registry) EmitSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) {
	emit(ctx, r, "OnSubscriptionChanged", load(r, &r.onSubscriptionChanged), func(h OnSubscriptionChanged) error {
		return h.OnSubscriptionChanged(ctx, sub, from)
	})
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCanceled", load(r, &r.onSubscriptionCanceled), func(h OnSubscriptionCanceled) error {
		return h.OnSubscriptionCanceled(ctx, sub)
	})
}

// EmitSubscriptionExpired emits a lazy expiry event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionExpired", load(r, &r.onSubscriptionExpired), func(h OnSubscriptionExpired) error {
		return h.OnSubscriptionExpired(ctx, sub)
	})
}

// EmitSubscriptionReactivated emits a reactivation event.
func (r *Registry) EmitSubscriptionReactivated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionReactivated", load(r, &r.onSubscriptionReactivated), func(h OnSubscriptionReactivated) error {
		return h.OnSubscriptionReactivated(ctx, sub)
	})
}

// EmitUsageRecorded emits a usage recorded event.
func (r *Registry) EmitUsageRecorded(ctx context.Context, key usage.Key, count int64) {
	emit(ctx, r, "OnUsageRecorded", load(r, &r.onUsageRecorded), func(h OnUsageRecorded) error {
		return h.OnUsageRecorded(ctx, key, count)
	})
}

// EmitEntitlementChecked emits an entitlement checked event.
func (r *Registry) EmitEntitlementChecked(ctx context.Context, userID string, result *entitlement.Result) {
	emit(ctx, r, "OnEntitlementChecked", load(r, &r.onEntitlementChecked), func(h OnEntitlementChecked) error {
		return h.OnEntitlementChecked(ctx, userID, result)
	})
}

// EmitQuotaExceeded emits a quota exceeded event.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, userID, featureCode string, used, limit int64) {
	emit(ctx, r, "OnQuotaExceeded", load(r, &r.onQuotaExceeded), func(h OnQuotaExceeded) error {
		return h.OnQuotaExceeded(ctx, userID, featureCode, used, limit)
	})
}

// EmitWebhookReceived emits a webhook received event.
func (r *Registry) EmitWebhookReceived(ctx context.Context, ev webhook.Event) {
	emit(ctx, r, "OnWebhookReceived", load(r, &r.onWebhookReceived), func(h OnWebhookReceived) error {
		return h.OnWebhookReceived(ctx, ev)
	})
}

// EmitWebhookProcessed emits a webhook processed event.
func (r *Registry) EmitWebhookProcessed(ctx context.Context, deliveryID string, kind webhook.Kind, result string, err error) {
	emit(ctx, r, "OnWebhookProcessed", load(r, &r.onWebhookProcessed), func(h OnWebhookProcessed) error {
		return h.OnWebhookProcessed(ctx, deliveryID, kind, result, err)
	})
}

func load[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// emit calls fn for every hook, logging failures. Plugins never fail the caller.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, fn func(T) error) {
	for _, h := range hooks {
		if err := r.callWithTimeout(ctx, h.Name(), func() error { return fn(h) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", h.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block request handling.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
