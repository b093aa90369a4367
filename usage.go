package tally

import (
	"context"
	"log/slog"

	"github.com/xraph/tally/period"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/usage"
)

// UsageLedger counts feature uses per user and period. Counters are keyed by
// the start of the plan's current period, so a new period starts from zero
// while old records stay untouched.
type UsageLedger struct {
	store   usage.Store
	catalog *Catalog
	machine *Machine
	plugins *plugin.Registry
	logger  *slog.Logger
	now     Clock
}

func newUsageLedger(store usage.Store, catalog *Catalog, machine *Machine, plugins *plugin.Registry, logger *slog.Logger, now Clock) *UsageLedger {
	return &UsageLedger{store: store, catalog: catalog, machine: machine, plugins: plugins, logger: logger, now: now}
}

// Usage returns the user's count for code in the current period. Unknown or
// inactive features, users without a resolvable plan and faults all read as 0.
func (u *UsageLedger) Usage(ctx context.Context, userID, code string) int64 {
	if _, err := u.catalog.Feature(ctx, code); err != nil {
		if !IsNotFound(err) {
			u.logger.Error("usage lookup failed", "user_id", userID, "feature", code, "error", err)
		}
		return 0
	}
	p, err := u.plan(ctx, userID)
	if err != nil {
		if Classify(err).Kind == ResultRetryable {
			u.logger.Error("usage lookup failed", "user_id", userID, "feature", code, "error", err)
		}
		return 0
	}
	n, err := u.current(ctx, userID, code, p)
	if err != nil {
		u.logger.Error("usage lookup failed", "user_id", userID, "feature", code, "error", err)
		return 0
	}
	return n
}

// Record adds one use of code for the user. It reports false instead of
// failing so callers can record after their own work without rolling it back.
func (u *UsageLedger) Record(ctx context.Context, userID, code string) bool {
	return u.RecordResult(ctx, userID, code).IsOk()
}

// RecordResult is Record with the failure classified.
func (u *UsageLedger) RecordResult(ctx context.Context, userID, code string) Result {
	if _, err := u.catalog.Feature(ctx, code); err != nil {
		u.logger.Warn("usage not recorded", "user_id", userID, "feature", code, "error", err)
		return Classify(err)
	}
	p, err := u.plan(ctx, userID)
	if err != nil {
		u.logger.Warn("usage not recorded", "user_id", userID, "feature", code, "error", err)
		return Classify(err)
	}

	key := u.key(userID, code, p)
	n, err := u.store.IncrementUsage(ctx, key)
	if err != nil {
		u.logger.Error("usage increment failed", "key", key.String(), "error", err)
		return Classify(err)
	}

	u.logger.Debug("usage recorded", "key", key.String(), "count", n)
	u.plugins.EmitUsageRecorded(ctx, key, n)
	return Ok()
}

// Reset zeroes the user's current-period counter for code. It is an
// administrative action; a missing counter is not an error.
func (u *UsageLedger) Reset(ctx context.Context, userID, code string) error {
	if _, err := u.catalog.Feature(ctx, code); err != nil {
		return err
	}
	p, err := u.plan(ctx, userID)
	if err != nil {
		return err
	}

	key := u.key(userID, code, p)
	if err := u.store.ResetUsage(ctx, userID, code, key.PeriodStart); err != nil && !IsNotFound(err) {
		return err
	}

	u.logger.Info("usage reset", "key", key.String())
	return nil
}

// History lists stored counters for the user, newest period first.
func (u *UsageLedger) History(ctx context.Context, userID string, opts usage.ListOpts) ([]*usage.Record, error) {
	return u.store.ListUsage(ctx, userID, opts)
}

// Window returns the period the user's counters are currently keyed on.
func (u *UsageLedger) Window(ctx context.Context, userID string) (period.Window, error) {
	p, err := u.plan(ctx, userID)
	if err != nil {
		return period.Window{}, err
	}
	return period.WindowAt(p.Cadence, u.now()), nil
}

// plan resolves the user's active subscription to its active plan.
func (u *UsageLedger) plan(ctx context.Context, userID string) (*plan.Plan, error) {
	sub, err := u.machine.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.catalog.ActivePlan(ctx, sub.PlanID)
}

// current reads the counter for code in p's current period.
func (u *UsageLedger) current(ctx context.Context, userID, code string, p *plan.Plan) (int64, error) {
	key := u.key(userID, code, p)
	rec, err := u.store.GetUsage(ctx, userID, code, key.PeriodStart)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Count, nil
}

func (u *UsageLedger) key(userID, code string, p *plan.Plan) usage.Key {
	w := period.WindowAt(p.Cadence, u.now())
	return usage.Key{
		UserID:      userID,
		FeatureCode: code,
		PeriodStart: w.Start,
		PeriodEnd:   w.End,
	}
}
