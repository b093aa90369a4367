// Package memory provides an in-process store for tests and development.
// Every read returns a copy, so callers may mutate results freely.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	plans         map[string]*plan.Plan
	features      map[string]*feature.Feature
	subscriptions map[string]*subscription.Subscription
	usage         map[string]*usage.Record
	deliveries    map[string]*webhook.Delivery
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		features:      make(map[string]*feature.Feature),
		subscriptions: make(map[string]*subscription.Subscription),
		usage:         make(map[string]*usage.Record),
		deliveries:    make(map[string]*webhook.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Plan Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, other := range s.plans {
		if other.Slug == p.Slug {
			return tally.ErrAlreadyExists
		}
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, tally.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	return s.findPlan(func(p *plan.Plan) bool { return p.Slug == slug })
}

func (s *Store) GetPlanByProduct(_ context.Context, productID string) (*plan.Plan, error) {
	if productID == "" {
		return nil, tally.ErrPlanNotFound
	}
	return s.findPlan(func(p *plan.Plan) bool { return p.ProductID == productID })
}

func (s *Store) GetFreePlan(_ context.Context) (*plan.Plan, error) {
	return s.findPlan(func(p *plan.Plan) bool { return p.Free && p.IsActive() })
}

func (s *Store) findPlan(match func(*plan.Plan) bool) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.sortedPlans() {
		if match(p) {
			return clonePlan(p), nil
		}
	}
	return nil, tally.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0)
	for _, p := range s.sortedPlans() {
		if opts.Status == "" || p.Status == opts.Status {
			result = append(result, clonePlan(p))
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return tally.ErrPlanNotFound
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) ArchivePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.plans[planID.String()]
	if !exists {
		return tally.ErrPlanNotFound
	}
	p.Status = plan.StatusArchived
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// sortedPlans orders plans by creation so "first free plan" is stable.
// Callers must hold the lock.
func (s *Store) sortedPlans() []*plan.Plan {
	out := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ──────────────────────────────────────────────────
// Feature Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateFeature(_ context.Context, f *feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.features[f.Code]; exists {
		return tally.ErrDuplicateFeature
	}
	c := *f
	s.features[f.Code] = &c
	return nil
}

func (s *Store) GetFeature(_ context.Context, code string) (*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f, ok := s.features[code]; ok {
		c := *f
		return &c, nil
	}
	return nil, tally.ErrFeatureNotFound
}

func (s *Store) ListFeatures(_ context.Context, opts feature.ListOpts) ([]*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*feature.Feature, 0, len(s.features))
	for _, f := range s.features {
		if opts.ActiveOnly && !f.Active {
			continue
		}
		c := *f
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateFeature(_ context.Context, f *feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.features[f.Code]; !exists {
		return tally.ErrFeatureNotFound
	}
	c := *f
	s.features[f.Code] = &c
	return nil
}

// ──────────────────────────────────────────────────
// Subscription Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if err := s.checkUnique(sub); err != nil {
		return err
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if externalID != "" {
		for _, sub := range s.subscriptions {
			if sub.ExternalID == externalID {
				return sub.Clone(), nil
			}
		}
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetActiveSubscription(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.IsActive() {
			return sub.Clone(), nil
		}
	}
	return nil, tally.ErrSubscriptionNotFound
}

func (s *Store) GetLatestEndedSubscription(_ context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.PlanID != planID || !sub.Status.Ended() {
			continue
		}
		if latest == nil || sub.EndedAt().After(latest.EndedAt()) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, tally.ErrSubscriptionNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) ListSubscriptions(_ context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		result = append(result, sub.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; !exists {
		return tally.ErrSubscriptionNotFound
	}
	if err := s.checkUnique(sub); err != nil {
		return err
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

// checkUnique mirrors the SQL unique indexes: one active row per user and
// one row per external id. Callers must hold the write lock.
func (s *Store) checkUnique(sub *subscription.Subscription) error {
	for key, other := range s.subscriptions {
		if key == sub.ID.String() {
			continue
		}
		if sub.IsActive() && other.IsActive() && other.UserID == sub.UserID {
			return tally.ErrActiveExists
		}
		if sub.ExternalID != "" && other.ExternalID == sub.ExternalID {
			return tally.ErrAlreadyExists
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Usage Store implementation
// ──────────────────────────────────────────────────

func usageKey(userID, code string, periodStart time.Time) string {
	return usage.Key{UserID: userID, FeatureCode: code, PeriodStart: periodStart}.String()
}

func (s *Store) IncrementUsage(_ context.Context, key usage.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	rec, ok := s.usage[k]
	if !ok {
		now := time.Now().UTC()
		rec = &usage.Record{
			ID:          id.NewUsageRecordID(),
			UserID:      key.UserID,
			FeatureCode: key.FeatureCode,
			PeriodStart: key.PeriodStart.UTC(),
			PeriodEnd:   key.PeriodEnd.UTC(),
		}
		rec.CreatedAt, rec.UpdatedAt = now, now
		s.usage[k] = rec
	}
	rec.Count++
	rec.UpdatedAt = time.Now().UTC()
	return rec.Count, nil
}

func (s *Store) GetUsage(_ context.Context, userID, code string, periodStart time.Time) (*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.usage[usageKey(userID, code, periodStart)]; ok {
		c := *rec
		return &c, nil
	}
	return nil, tally.ErrUsageNotFound
}

func (s *Store) ListUsage(_ context.Context, userID string, opts usage.ListOpts) ([]*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*usage.Record, 0)
	for _, rec := range s.usage {
		if rec.UserID != userID {
			continue
		}
		if opts.FeatureCode != "" && rec.FeatureCode != opts.FeatureCode {
			continue
		}
		if !opts.Since.IsZero() && rec.PeriodStart.Before(opts.Since) {
			continue
		}
		c := *rec
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PeriodStart.Equal(result[j].PeriodStart) {
			return result[i].PeriodStart.After(result[j].PeriodStart)
		}
		return result[i].FeatureCode < result[j].FeatureCode
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ResetUsage(_ context.Context, userID, code string, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[usageKey(userID, code, periodStart)]
	if !ok {
		return tally.ErrUsageNotFound
	}
	rec.Count = 0
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Webhook delivery Store implementation
// ──────────────────────────────────────────────────

func (s *Store) RecordDelivery(_ context.Context, d *webhook.Delivery) (*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveries[d.ID]
	if !ok {
		c := *d
		c.Attempts = 1
		if c.Status == "" {
			c.Status = webhook.DeliveryPending
		}
		s.deliveries[d.ID] = &c
		out := c
		return &out, nil
	}
	existing.Attempts++
	existing.UpdatedAt = time.Now().UTC()
	out := *existing
	return &out, nil
}

func (s *Store) GetDelivery(_ context.Context, deliveryID string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.deliveries[deliveryID]; ok {
		c := *d
		return &c, nil
	}
	return nil, tally.ErrDeliveryNotFound
}

func (s *Store) FinishDelivery(_ context.Context, deliveryID string, status webhook.DeliveryStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return tally.ErrDeliveryNotFound
	}
	now := time.Now().UTC()
	d.Status = status
	d.LastError = lastErr
	d.UpdatedAt = now
	if status == webhook.DeliveryProcessed {
		d.ProcessedAt = &now
	}
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func clonePlan(p *plan.Plan) *plan.Plan {
	c := *p
	c.Quotas = slices.Clone(p.Quotas)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func page[T any](items []T, offset, limit int) []T {
	start := min(offset, len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
