package tally

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/types"
)

// Catalog is the read-mostly view of plans and features.
type Catalog struct {
	plans    plan.Store
	features feature.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	now      Clock
}

func newCatalog(plans plan.Store, features feature.Store, plugins *plugin.Registry, logger *slog.Logger, now Clock) *Catalog {
	return &Catalog{plans: plans, features: features, plugins: plugins, logger: logger, now: now}
}

// ActivePlan returns the plan if it exists and is not archived.
func (c *Catalog) ActivePlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	p, err := c.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("%w: %w", ErrPlanNotFound, ErrPlanArchived)
	}
	return p, nil
}

// Plan returns a plan regardless of status.
func (c *Catalog) Plan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return c.plans.GetPlan(ctx, planID)
}

// PlanBySlug returns the plan with the given slug.
func (c *Catalog) PlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return c.plans.GetPlanBySlug(ctx, slug)
}

// Quota resolves the limit for code on p. Callers must branch on the kind
// before doing arithmetic with the limit.
func (c *Catalog) Quota(p *plan.Plan, code string) (int64, plan.QuotaKind) {
	return p.Quota(code)
}

// Feature returns an active feature by code.
func (c *Catalog) Feature(ctx context.Context, code string) (*feature.Feature, error) {
	f, err := c.features.GetFeature(ctx, code)
	if err != nil {
		return nil, err
	}
	if !f.Active {
		return nil, ErrFeatureNotFound
	}
	return f, nil
}

// PlanByProduct resolves a billing-provider product id to an active plan.
func (c *Catalog) PlanByProduct(ctx context.Context, productID string) (*plan.Plan, error) {
	p, err := c.plans.GetPlanByProduct(ctx, productID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
		}
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("%w: %q is archived", ErrUnknownProduct, productID)
	}
	return p, nil
}

// FreePlan returns the plan assigned on signup.
func (c *Catalog) FreePlan(ctx context.Context) (*plan.Plan, error) {
	p, err := c.plans.GetFreePlan(ctx)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNoFreePlan
		}
		return nil, err
	}
	return p, nil
}

// Plans lists plans.
func (c *Catalog) Plans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return c.plans.ListPlans(ctx, opts)
}

// Features lists features.
func (c *Catalog) Features(ctx context.Context, opts feature.ListOpts) ([]*feature.Feature, error) {
	return c.features.ListFeatures(ctx, opts)
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// CreatePlan validates and stores a new plan.
func (c *Catalog) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	if p.Slug == "" {
		p.Slug = slugify(p.Name)
	}
	p.Cadence = p.Cadence.Normalize()
	p.Entity = types.EntityAt(c.now())

	if err := c.plans.CreatePlan(ctx, p); err != nil {
		return err
	}

	c.logger.Info("plan created", "plan_id", p.ID.String(), "slug", p.Slug, "free", p.Free)
	c.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// UpdatePlan stores changes to an existing plan.
func (c *Catalog) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	p.Cadence = p.Cadence.Normalize()
	p.Touch(c.now())
	return c.plans.UpdatePlan(ctx, p)
}

// ArchivePlan stops a plan from being resolved for new or renewing subscriptions.
func (c *Catalog) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	if err := c.plans.ArchivePlan(ctx, planID); err != nil {
		return err
	}
	c.logger.Info("plan archived", "plan_id", planID.String())
	c.plugins.EmitPlanArchived(ctx, planID)
	return nil
}

// CreateFeature stores a new feature.
func (c *Catalog) CreateFeature(ctx context.Context, f *feature.Feature) error {
	f.Code = strings.TrimSpace(f.Code)
	if f.Code == "" {
		return ValidationError{Field: "code", Message: "required"}
	}
	f.Entity = types.EntityAt(c.now())
	return c.features.CreateFeature(ctx, f)
}

// UpdateFeature stores changes to a feature, e.g. deactivating it.
func (c *Catalog) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	f.Touch(c.now())
	return c.features.UpdateFeature(ctx, f)
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
