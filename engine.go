package tally

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// Clock returns the current instant. Period windows are computed in the
// location of the returned time.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// Engine wires the catalog, usage ledger, state machine, grace policy and
// entitlement engine over one store.
type Engine struct {
	store   store.Store
	usage   usage.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   Clock
	parser  *webhook.Parser

	graceWindow    time.Duration
	unknownFeature UnknownFeaturePolicy
	skipMigrate    bool

	catalog      *Catalog
	ledger       *UsageLedger
	machine      *Machine
	grace        *GracePolicy
	entitlements *Entitlements
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		usage:       s,
		plugins:     plugin.NewRegistry(),
		logger:      slog.Default(),
		clock:       utcNow,
		parser:      webhook.NewParser(),
		graceWindow: DefaultGraceWindow,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.catalog = newCatalog(s, s, e.plugins, e.logger, e.clock)
	e.grace = newGracePolicy(s, e.graceWindow, e.clock)
	e.machine = newMachine(s, e.catalog, e.grace, e.plugins, e.logger, e.clock)
	e.ledger = newUsageLedger(e.usage, e.catalog, e.machine, e.plugins, e.logger, e.clock)
	e.entitlements = newEntitlements(e.catalog, e.machine, e.ledger, e.plugins, e.logger, e.unknownFeature)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("plugin not registered", "plugin", p.Name(), "error", err)
		}
	}
}

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithGraceWindow sets how long an ended subscription stays reactivatable.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.graceWindow = d
		}
	}
}

// WithUsageStore keeps usage counters in a separate store, e.g. Redis.
func WithUsageStore(s usage.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.usage = s
		}
	}
}

// WithUnknownFeaturePolicy sets how checks treat feature codes the catalog
// does not know. The default is UnknownFeatureAllow.
func WithUnknownFeaturePolicy(p UnknownFeaturePolicy) Option {
	return func(e *Engine) {
		e.unknownFeature = p
	}
}

// WithoutMigrate makes Start skip the store migration.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.skipMigrate = true
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("tally started",
		"grace_window", e.graceWindow,
		"unknown_feature", e.unknownFeature.String(),
		"plugins", e.plugins.Count(),
	)

	return nil
}

// Stop shuts plugins down and closes the stores.
func (e *Engine) Stop(ctx context.Context) error {
	e.plugins.EmitShutdown(ctx)

	var errs MultiError
	if c, ok := e.usage.(interface{ Close() error }); ok && e.usage != usage.Store(e.store) {
		errs.Add(c.Close())
	}
	errs.Add(e.store.Close())
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Usage returns the usage ledger.
func (e *Engine) Usage() *UsageLedger { return e.ledger }

// Subscriptions returns the subscription state machine.
func (e *Engine) Subscriptions() *Machine { return e.machine }

// Grace returns the reactivation policy.
func (e *Engine) Grace() *GracePolicy { return e.grace }

// Entitlements returns the entitlement engine.
func (e *Engine) Entitlements() *Entitlements { return e.entitlements }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the backing store.
func (e *Engine) Store() store.Store { return e.store }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

// HandleWebhook parses, deduplicates and applies one raw delivery. The
// returned result tells the transport whether the provider should retry.
func (e *Engine) HandleWebhook(ctx context.Context, raw []byte) Outcome {
	ev, err := e.parser.Parse(raw)
	if err != nil {
		e.logger.Error("discarding malformed webhook",
			"error", err,
			"payload", string(raw),
		)
		return Outcome{Result: Fatal(err), DeliveryID: webhook.DeliveryID(raw)}
	}

	meta := ev.Metadata()
	d, err := e.store.RecordDelivery(ctx, &webhook.Delivery{
		Entity:     types.EntityAt(e.clock()),
		ID:         meta.ID,
		Type:       meta.Type,
		ExternalID: ev.Target().SubscriptionID,
		Status:     webhook.DeliveryPending,
	})
	if err != nil {
		e.logger.Error("webhook delivery not recorded", "delivery_id", meta.ID, "error", err)
		return Outcome{Result: Retryable(err), DeliveryID: meta.ID, Type: ev.Kind()}
	}
	if d.Status == webhook.DeliveryProcessed {
		e.logger.Debug("duplicate webhook delivery", "delivery_id", meta.ID, "attempts", d.Attempts)
		return Outcome{Result: Ok(), DeliveryID: meta.ID, Type: ev.Kind(), Duplicate: true}
	}

	e.plugins.EmitWebhookReceived(ctx, ev)
	out := e.machine.Handle(ctx, ev)

	status, lastErr := webhook.DeliveryProcessed, ""
	if !out.IsOk() {
		status = webhook.DeliveryFailed
		if out.Err != nil {
			lastErr = out.Err.Error()
		}
	}
	if err := e.store.FinishDelivery(ctx, meta.ID, status, lastErr); err != nil {
		// The transition is applied; a redelivery replays it harmlessly.
		e.logger.Error("webhook delivery not finalized", "delivery_id", meta.ID, "error", err)
	}

	e.plugins.EmitWebhookProcessed(ctx, meta.ID, ev.Kind(), out.Result.Kind.String(), out.Err)
	return out
}
