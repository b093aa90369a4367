// Package postgres implements store.Store on PostgreSQL via Grove ORM.
//
// The one-active-subscription-per-user rule is a partial unique index, so it
// holds across processes; a violating write returns tally.ErrActiveExists.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", tally.ErrMigrationFailed, err)
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
	_, err := s.pg.NewInsert(toPlanModel(p)).Exec(ctx)
	return translate(err)
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
		Scan(ctx)
	return planResult(m, err)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
		Scan(ctx)
	return planResult(m, err)
}

func (s *Store) GetPlanByProduct(ctx context.Context, productID string) (*plan.Plan, error) {
	if productID == "" {
		return nil, tally.ErrPlanNotFound
	}
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("product_id = $1", productID).
		Scan(ctx)
	return planResult(m, err)
}

// GetFreePlan returns the oldest active free plan.
func (s *Store) GetFreePlan(ctx context.Context) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("free = $1", true).
		Where("status = $2", string(plan.StatusActive)).
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
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = $1", string(opts.Status))
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
	res, err := s.pg.NewUpdate(toPlanModel(p)).WherePK().Exec(ctx)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res, tally.ErrPlanNotFound)
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.pg.NewUpdate((*planModel)(nil)).
		Set("status = $1", string(plan.StatusArchived)).
		Set("updated_at = $2", now()).
		Where("id = $3", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrPlanNotFound)
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	_, err := s.pg.NewInsert(toFeatureModel(f)).Exec(ctx)
	if err = translate(err); errors.Is(err, tally.ErrAlreadyExists) {
		return tally.ErrDuplicateFeature
	}
	return err
}

func (s *Store) GetFeature(ctx context.Context, code string) (*feature.Feature, error) {
	m := new(featureModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code).
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
	q := s.pg.NewSelect(&models)

	if opts.ActiveOnly {
		q = q.Where("active = $1", true)
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
	res, err := s.pg.NewUpdate(toFeatureModel(f)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrFeatureNotFound)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.pg.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return translate(err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	if externalID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("external_id = $1", externalID).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Where("status = $2", string(subscription.StatusActive)).
		Limit(1).
		Scan(ctx)
	return subscriptionResult(m, err)
}

func (s *Store) GetLatestEndedSubscription(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Where("plan_id = $2", planID.String()).
		Where("status IN ($3, $4)", string(subscription.StatusCanceled), string(subscription.StatusRevoked)).
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
	q := s.pg.NewSelect(&models).Where("user_id = $1", userID)

	if opts.Status != "" {
		q = q.Where("status = $2", string(opts.Status))
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
	res, err := s.pg.NewUpdate(toSubscriptionModel(sub)).WherePK().Exec(ctx)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res, tally.ErrSubscriptionNotFound)
}

// ==================== Usage Store ====================

// IncrementUsage upserts the counter and bumps it in one statement, so
// concurrent increments serialize on the row lock.
func (s *Store) IncrementUsage(ctx context.Context, key usage.Key) (int64, error) {
	t := now()
	var count int64
	err := s.pg.NewRaw(`
		INSERT INTO tally_usage_records (id, user_id, feature_code, period_start, period_end, count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (user_id, feature_code, period_start)
		DO UPDATE SET count = tally_usage_records.count + 1, updated_at = EXCLUDED.updated_at
		RETURNING count
	`, id.NewUsageRecordID().String(), key.UserID, key.FeatureCode, key.PeriodStart.UTC(), key.PeriodEnd.UTC(), t).Scan(ctx, &count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) (*usage.Record, error) {
	m := new(usageRecordModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Where("feature_code = $2", featureCode).
		Where("period_start = $3", periodStart.UTC()).
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
	q := s.pg.NewSelect(&models).Where("user_id = $1", userID)

	argIdx := 1
	if opts.FeatureCode != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("feature_code = $%d", argIdx), opts.FeatureCode)
	}
	if !opts.Since.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("period_start >= $%d", argIdx), opts.Since.UTC())
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
	res, err := s.pg.NewUpdate((*usageRecordModel)(nil)).
		Set("count = $1", 0).
		Set("updated_at = $2", now()).
		Where("user_id = $3", userID).
		Where("feature_code = $4", featureCode).
		Where("period_start = $5", periodStart.UTC()).
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

	_, err := s.pg.NewInsert(m).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", deliveryID).
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

	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("status = $1", string(status)).
		Set("last_error = $2", lastErr).
		Set("processed_at = COALESCE($3, processed_at)", processedAt).
		Set("updated_at = $4", t).
		Where("id = $5", deliveryID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrDeliveryNotFound)
}

// ==================== Helpers ====================

const uniqueViolation = "23505"

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// translate maps unique violations onto tally conflict sentinels.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	if pgErr.ConstraintName == idxOneActive {
		return fmt.Errorf("%w: %s", tally.ErrActiveExists, pgErr.Detail)
	}
	return fmt.Errorf("%w: %s", tally.ErrAlreadyExists, pgErr.ConstraintName)
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
