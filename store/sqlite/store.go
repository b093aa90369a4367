// Package sqlite implements store.Store on SQLite via Grove ORM. Timestamps
// are stored as TEXT; JSON columns are plain TEXT.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", tally.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.sdb.NewInsert(toPlanModel(p)).Exec(ctx)
	return translate(err)
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
		Scan(ctx)
	return planResult(m, err)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
		Scan(ctx)
	return planResult(m, err)
}

func (s *Store) GetPlanByProduct(ctx context.Context, productID string) (*plan.Plan, error) {
	if productID == "" {
		return nil, tally.ErrPlanNotFound
	}
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("product_id = ?", productID).
		Scan(ctx)
	return planResult(m, err)
}

// GetFreePlan returns the oldest active free plan.
func (s *Store) GetFreePlan(ctx context.Context) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("free = ?", true).
		Where("status = ?", string(plan.StatusActive)).
		OrderExpr("created_at ASC, id ASC").
		Limit(1).
		Scan(ctx)
	return planResult(m, err)
}

func planResult(m *planModel, err error) (*plan.Plan, error) {
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.sdb.NewUpdate(toPlanModel(p)).WherePK().Exec(ctx)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res, tally.ErrPlanNotFound)
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("status = ?", string(plan.StatusArchived)).
		Set("updated_at = ?", now()).
		Where("id = ?", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrPlanNotFound)
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	_, err := s.sdb.NewInsert(toFeatureModel(f)).Exec(ctx)
	if err = translate(err); errors.Is(err, tally.ErrAlreadyExists) {
		return tally.ErrDuplicateFeature
	}
	return err
}

func (s *Store) GetFeature(ctx context.Context, code string) (*feature.Feature, error) {
	m := new(featureModel)
	err := s.sdb.NewSelect(m).
		Where("code = ?", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrFeatureNotFound
		}
		return nil, err
	}
	return fromFeatureModel(m), nil
}

func (s *Store) ListFeatures(ctx context.Context, opts feature.ListOpts) ([]*feature.Feature, error) {
	var models []featureModel
	q := s.sdb.NewSelect(&models)

	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("code ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*feature.Feature, len(models))
	for i := range models {
		result[i] = fromFeatureModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	res, err := s.sdb.NewUpdate(toFeatureModel(f)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrFeatureNotFound)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.sdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return translate(err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	if externalID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("external_id = ?", externalID).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Where("status = ?", string(subscription.StatusActive)).
		Limit(1).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetLatestEndedSubscription(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Where("plan_id = ?", planID.String()).
		Where("status IN (?, ?)", string(subscription.StatusCanceled), string(subscription.StatusRevoked)).
		OrderExpr("COALESCE(ends_at, canceled_at, updated_at) DESC").
		Limit(1).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func subscriptionResult(m *subscriptionModel, err error) (*subscription.Subscription, error) {
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("user_id = ?", userID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.sdb.NewUpdate(toSubscriptionModel(sub)).WherePK().Exec(ctx)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res, tally.ErrSubscriptionNotFound)
}

// ==================== Usage Store ====================

// IncrementUsage upserts the counter and bumps it in one statement, so
// concurrent increments serialize on the database write lock.
func (s *Store) IncrementUsage(ctx context.Context, key usage.Key) (int64, error) {
	t := now()
	var count int64
	err := s.sdb.NewRaw(`
		INSERT INTO tally_usage_records (id, user_id, feature_code, period_start, period_end, count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, feature_code, period_start)
		DO UPDATE SET count = tally_usage_records.count + 1, updated_at = EXCLUDED.updated_at
		RETURNING count
	`, id.NewUsageRecordID().String(), key.UserID, key.FeatureCode, key.PeriodStart.UTC(), key.PeriodEnd.UTC(), t, t).Scan(ctx, &count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) (*usage.Record, error) {
	m := new(usageRecordModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Where("feature_code = ?", featureCode).
		Where("period_start = ?", periodStart.UTC()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrUsageNotFound
		}
		return nil, err
	}
	return fromUsageRecordModel(m)
}

func (s *Store) ListUsage(ctx context.Context, userID string, opts usage.ListOpts) ([]*usage.Record, error) {
	var models []usageRecordModel
	q := s.sdb.NewSelect(&models).Where("user_id = ?", userID)

	if opts.FeatureCode != "" {
		q = q.Where("feature_code = ?", opts.FeatureCode)
	}
	if !opts.Since.IsZero() {
		q = q.Where("period_start >= ?", opts.Since.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("period_start DESC, feature_code ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*usage.Record, len(models))
	for i := range models {
		rec, err := fromUsageRecordModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = rec
	}
	return result, nil
}

func (s *Store) ResetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) error {
	res, err := s.sdb.NewUpdate((*usageRecordModel)(nil)).
		Set("count = ?", 0).
		Set("updated_at = ?", now()).
		Where("user_id = ?", userID).
		Where("feature_code = ?", featureCode).
		Where("period_start = ?", periodStart.UTC()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrUsageNotFound)
}

// ==================== Webhook delivery Store ====================

func (s *Store) RecordDelivery(ctx context.Context, d *webhook.Delivery) (*webhook.Delivery, error) {
	m := toDeliveryModel(d)
	m.Attempts = 1
	if m.Status == "" {
		m.Status = string(webhook.DeliveryPending)
	}
	m.UpdatedAt = now()

	_, err := s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("attempts = tally_webhook_deliveries.attempts + 1").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetDelivery(ctx, d.ID)
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*webhook.Delivery, error) {
	m := new(deliveryModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", deliveryID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m), nil
}

func (s *Store) FinishDelivery(ctx context.Context, deliveryID string, status webhook.DeliveryStatus, lastErr string) error {
	t := now()
	var processedAt *time.Time
	if status == webhook.DeliveryProcessed {
		processedAt = &t
	}

	res, err := s.sdb.NewUpdate((*deliveryModel)(nil)).
		Set("status = ?", string(status)).
		Set("last_error = ?", lastErr).
		Set("processed_at = COALESCE(?, processed_at)", processedAt).
		Set("updated_at = ?", t).
		Where("id = ?", deliveryID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrDeliveryNotFound)
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// translate maps unique violations onto tally conflict sentinels. SQLite
// reports the violated columns rather than the index name.
func translate(err error) error {
	if err == nil || !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(err.Error(), "tally_subscriptions.user_id") {
		return fmt.Errorf("%w: %v", tally.ErrActiveExists, err)
	}
	return fmt.Errorf("%w: %v", tally.ErrAlreadyExists, err)
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

// mustAffect returns notFound when res touched no rows.
func mustAffect(res rowsAffected, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
