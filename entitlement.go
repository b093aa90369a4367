package tally

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
)

// UnknownFeaturePolicy decides checks for feature codes the catalog does not
// know or has deactivated. Features the catalog knows but a plan does not
// list are always denied regardless of this policy.
type UnknownFeaturePolicy int

const (
	// UnknownFeatureAllow admits unknown codes, treating them as unmetered.
	// An unknown code usually means a caller bug, not a user probing limits.
	UnknownFeatureAllow UnknownFeaturePolicy = iota
	// UnknownFeatureDeny rejects unknown codes.
	UnknownFeatureDeny
)

func (p UnknownFeaturePolicy) String() string {
	if p == UnknownFeatureDeny {
		return "deny"
	}
	return "allow"
}

// ParseUnknownFeaturePolicy reads "allow" or "deny". The empty string is
// "allow".
func ParseUnknownFeaturePolicy(s string) (UnknownFeaturePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return UnknownFeatureAllow, nil
	case "deny":
		return UnknownFeatureDeny, nil
	}
	return UnknownFeatureAllow, ValidationError{Field: "unknown_feature", Message: "must be allow or deny, got " + s}
}

// Entitlements admits or denies feature use. Every check reads subscription,
// plan and usage fresh.
type Entitlements struct {
	catalog *Catalog
	machine *Machine
	ledger  *UsageLedger
	plugins *plugin.Registry
	logger  *slog.Logger
	policy  UnknownFeaturePolicy
}

func newEntitlements(catalog *Catalog, machine *Machine, ledger *UsageLedger, plugins *plugin.Registry, logger *slog.Logger, policy UnknownFeaturePolicy) *Entitlements {
	return &Entitlements{catalog: catalog, machine: machine, ledger: ledger, plugins: plugins, logger: logger, policy: policy}
}

// Policy returns the unknown-feature policy in effect.
func (e *Entitlements) Policy() UnknownFeaturePolicy { return e.policy }

// Check decides whether the user may use code now. Denials are results, not
// errors; an error means a store fault prevented the decision.
func (e *Entitlements) Check(ctx context.Context, userID, code string) (*entitlement.Result, error) {
	res, err := e.check(ctx, userID, code)
	if err != nil {
		e.logger.Error("entitlement check failed", "user_id", userID, "feature", code, "error", err)
		return nil, err
	}

	e.plugins.EmitEntitlementChecked(ctx, userID, res)
	if !res.Allowed && res.Reason == entitlement.ReasonLimitExceeded {
		e.plugins.EmitQuotaExceeded(ctx, userID, code, res.Used, res.Limit)
	}
	return res, nil
}

func (e *Entitlements) check(ctx context.Context, userID, code string) (*entitlement.Result, error) {
	if _, err := e.catalog.Feature(ctx, code); err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		res := &entitlement.Result{Feature: code, Reason: entitlement.ReasonFeatureNotFound}
		if e.policy == UnknownFeatureAllow {
			res.Allowed = true
			res.Unlimited = true
			res.Limit = plan.Unlimited
			res.Remaining = plan.Unlimited
		}
		return res, nil
	}

	p, err := e.ledger.plan(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) || IsNotFound(err) {
			return &entitlement.Result{Feature: code, Reason: entitlement.ReasonNoActiveSubscription}, nil
		}
		return nil, err
	}

	limit, kind := e.catalog.Quota(p, code)
	switch kind {
	case plan.QuotaAbsent:
		return &entitlement.Result{Feature: code, Reason: entitlement.ReasonFeatureNotInPlan}, nil
	case plan.QuotaUnlimited:
		return &entitlement.Result{
			Allowed:   true,
			Feature:   code,
			Limit:     plan.Unlimited,
			Remaining: plan.Unlimited,
			Unlimited: true,
		}, nil
	}

	used, err := e.ledger.current(ctx, userID, code, p)
	if err != nil {
		return nil, err
	}
	remaining := max(limit-used, 0)
	res := &entitlement.Result{
		Allowed:   remaining > 0,
		Feature:   code,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	}
	if !res.Allowed {
		res.Reason = entitlement.ReasonLimitExceeded
	}
	return res, nil
}

// Record consumes one use of code after the gated work succeeded. It
// re-resolves the user's plan and delegates to the usage ledger.
func (e *Entitlements) Record(ctx context.Context, userID, code string) bool {
	return e.RecordResult(ctx, userID, code).IsOk()
}

// RecordResult is Record with the failure classified.
func (e *Entitlements) RecordResult(ctx context.Context, userID, code string) Result {
	if _, err := e.ledger.plan(ctx, userID); err != nil {
		e.logger.Warn("usage not recorded", "user_id", userID, "feature", code, "error", err)
		return Classify(err)
	}
	return e.ledger.RecordResult(ctx, userID, code)
}
