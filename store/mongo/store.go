// Package mongo implements store.Store on MongoDB via Grove ORM.
//
// Uniqueness rules live in partial unique indexes created by Migrate; the
// store must be migrated before use.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// Collection name constants.
const (
	colPlans         = "tally_plans"
	colFeatures      = "tally_features"
	colSubscriptions = "tally_subscriptions"
	colUsage         = "tally_usage_records"
	colDeliveries    = "tally_webhook_deliveries"
)

// Index names the store maps duplicate-key errors from.
const (
	idxOneActive  = "one_active_per_user"
	idxExternalID = "external_id_unique"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", tally.ErrMigrationFailed, col, err)
		}
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
	_, err := s.mdb.NewInsert(toPlanModel(p)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: create plan: %w", translate(err))
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return s.findPlan(ctx, bson.M{"_id": planID.String()})
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return s.findPlan(ctx, bson.M{"slug": slug})
}

func (s *Store) GetPlanByProduct(ctx context.Context, productID string) (*plan.Plan, error) {
	if productID == "" {
		return nil, tally.ErrPlanNotFound
	}
	return s.findPlan(ctx, bson.M{"product_id": productID})
}

func (s *Store) GetFreePlan(ctx context.Context) (*plan.Plan, error) {
	return s.findPlan(ctx, bson.M{"free": true, "status": string(plan.StatusActive)})
}

// findPlan returns the oldest plan matching filter.
func (s *Store) findPlan(ctx context.Context, filter bson.M) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list plans: %w", err)
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
	m := toPlanModel(p)

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update plan: %w", translate(err))
	}
	if res.MatchedCount() == 0 {
		return tally.ErrPlanNotFound
	}
	return nil
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.mdb.NewUpdate((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String()}).
		Set("status", string(plan.StatusArchived)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: archive plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrPlanNotFound
	}
	return nil
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	_, err := s.mdb.NewInsert(toFeatureModel(f)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrDuplicateFeature
		}
		return fmt.Errorf("tally/mongo: create feature: %w", err)
	}
	return nil
}

func (s *Store) GetFeature(ctx context.Context, code string) (*feature.Feature, error) {
	var m featureModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": code}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrFeatureNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get feature: %w", err)
	}
	return fromFeatureModel(&m), nil
}

func (s *Store) ListFeatures(ctx context.Context, opts feature.ListOpts) ([]*feature.Feature, error) {
	var models []featureModel

	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list features: %w", err)
	}

	result := make([]*feature.Feature, len(models))
	for i := range models {
		result[i] = fromFeatureModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	m := toFeatureModel(f)

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Code}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update feature: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrFeatureNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.mdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: create subscription: %w", translate(err))
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"_id": subID.String()})
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	if externalID == "" {
		return nil, tally.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, bson.M{"external_id": externalID})
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"user_id": userID, "status": string(subscription.StatusActive)})
}

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

// GetLatestEndedSubscription picks the row with the latest end instant in
// Go; a user has few ended rows per plan.
func (s *Store) GetLatestEndedSubscription(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	var models []subscriptionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{
			"user_id": userID,
			"plan_id": planID.String(),
			"status":  bson.M{"$in": []string{string(subscription.StatusCanceled), string(subscription.StatusRevoked)}},
		}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: latest ended subscription: %w", err)
	}

	var latest *subscription.Subscription
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		if latest == nil || sub.EndedAt().After(latest.EndedAt()) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, tally.ErrSubscriptionNotFound
	}
	return latest, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"user_id": userID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list subscriptions: %w", err)
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
	m := toSubscriptionModel(sub)

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: update subscription: %w", translate(err))
	}
	if res.MatchedCount() == 0 {
		return tally.ErrSubscriptionNotFound
	}
	return nil
}

// ==================== Usage Store ====================

// IncrementUsage bumps the counter with an upserting $inc. Two first
// increments racing on the unique index can make one upsert fail with a
// duplicate key; that one is retried and then hits the existing document.
func (s *Store) IncrementUsage(ctx context.Context, key usage.Key) (int64, error) {
	filter := bson.M{
		"user_id":      key.UserID,
		"feature_code": key.FeatureCode,
		"period_start": key.PeriodStart.UTC(),
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		t := now()
		update := bson.M{
			"$inc": bson.M{"count": 1},
			"$set": bson.M{"updated_at": t},
			"$setOnInsert": bson.M{
				"_id":        id.NewUsageRecordID().String(),
				"period_end": key.PeriodEnd.UTC(),
				"created_at": t,
			},
		}

		var m usageRecordModel
		err = s.mdb.Collection(colUsage).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err == nil {
			return m.Count, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	return 0, fmt.Errorf("tally/mongo: increment usage: %w", err)
}

func (s *Store) GetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) (*usage.Record, error) {
	var m usageRecordModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"user_id":      userID,
			"feature_code": featureCode,
			"period_start": periodStart.UTC(),
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrUsageNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get usage: %w", err)
	}
	return fromUsageRecordModel(&m)
}

func (s *Store) ListUsage(ctx context.Context, userID string, opts usage.ListOpts) ([]*usage.Record, error) {
	var models []usageRecordModel

	filter := bson.M{"user_id": userID}
	if opts.FeatureCode != "" {
		filter["feature_code"] = opts.FeatureCode
	}
	if !opts.Since.IsZero() {
		filter["period_start"] = bson.M{"$gte": opts.Since.UTC()}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "period_start", Value: -1}, {Key: "feature_code", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list usage: %w", err)
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
	res, err := s.mdb.NewUpdate((*usageRecordModel)(nil)).
		Filter(bson.M{
			"user_id":      userID,
			"feature_code": featureCode,
			"period_start": periodStart.UTC(),
		}).
		Set("count", 0).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: reset usage: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrUsageNotFound
	}
	return nil
}

// ==================== Webhook delivery Store ====================

func (s *Store) RecordDelivery(ctx context.Context, d *webhook.Delivery) (*webhook.Delivery, error) {
	t := now()
	status := d.Status
	if status == "" {
		status = webhook.DeliveryPending
	}
	update := bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{"updated_at": t},
		"$setOnInsert": bson.M{
			"type":        d.Type,
			"external_id": d.ExternalID,
			"status":      string(status),
			"last_error":  "",
			"created_at":  d.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m deliveryModel
	err := s.mdb.Collection(colDeliveries).FindOneAndUpdate(ctx, bson.M{"_id": d.ID}, update, opts).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: record delivery: %w", err)
	}
	return fromDeliveryModel(&m), nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*webhook.Delivery, error) {
	var m deliveryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": deliveryID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get delivery: %w", err)
	}
	return fromDeliveryModel(&m), nil
}

func (s *Store) FinishDelivery(ctx context.Context, deliveryID string, status webhook.DeliveryStatus, lastErr string) error {
	t := now()
	q := s.mdb.NewUpdate((*deliveryModel)(nil)).
		Filter(bson.M{"_id": deliveryID}).
		Set("status", string(status)).
		Set("last_error", lastErr).
		Set("updated_at", t)
	if status == webhook.DeliveryProcessed {
		q = q.Set("processed_at", t)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: finish delivery: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrDeliveryNotFound
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// translate maps duplicate-key errors onto tally conflict sentinels.
func translate(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if strings.Contains(err.Error(), idxOneActive) {
		return fmt.Errorf("%w: %v", tally.ErrActiveExists, err)
	}
	return fmt.Errorf("%w: %v", tally.ErrAlreadyExists, err)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "product_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"product_id": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "free", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colFeatures: {
			{Keys: bson.D{{Key: "active", Value: 1}}},
		},
		colSubscriptions: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetName(idxOneActive).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": string(subscription.StatusActive)}),
			},
			{
				Keys: bson.D{{Key: "external_id", Value: 1}},
				Options: options.Index().
					SetName(idxExternalID).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"external_id": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "plan_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colUsage: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "feature_code", Value: 1}, {Key: "period_start", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "period_start", Value: -1}}},
		},
		colDeliveries: {
			{Keys: bson.D{{Key: "external_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}
