package mongo

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/period"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:tally_plans"`

	ID            string            `grove:"id,pk"          bson:"_id"`
	Name          string            `grove:"name"           bson:"name"`
	Slug          string            `grove:"slug"           bson:"slug"`
	Description   string            `grove:"description"    bson:"description"`
	ProductID     string            `grove:"product_id"     bson:"product_id"`
	PriceAmount   int64             `grove:"price_amount"   bson:"price_amount"`
	PriceCurrency string            `grove:"price_currency" bson:"price_currency"`
	Cadence       string            `grove:"cadence"        bson:"cadence"`
	Free          bool              `grove:"free"           bson:"free"`
	Status        string            `grove:"status"         bson:"status"`
	Quotas        []quotaModel      `grove:"quotas"         bson:"quotas"`
	Metadata      map[string]string `grove:"metadata"       bson:"metadata,omitempty"`
	CreatedAt     time.Time         `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time         `grove:"updated_at"     bson:"updated_at"`
}

type quotaModel struct {
	FeatureCode string `bson:"feature_code"`
	Limit       int64  `bson:"limit"`
}

func toPlanModel(p *plan.Plan) *planModel {
	quotas := make([]quotaModel, len(p.Quotas))
	for i, q := range p.Quotas {
		quotas[i] = quotaModel{FeatureCode: q.FeatureCode, Limit: q.Limit}
	}

	return &planModel{
		ID:            p.ID.String(),
		Name:          p.Name,
		Slug:          p.Slug,
		Description:   p.Description,
		ProductID:     p.ProductID,
		PriceAmount:   p.Price.Amount,
		PriceCurrency: p.Price.Currency,
		Cadence:       string(p.Cadence),
		Free:          p.Free,
		Status:        string(p.Status),
		Quotas:        quotas,
		Metadata:      p.Metadata,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	quotas := make([]plan.Quota, len(m.Quotas))
	for i, q := range m.Quotas {
		quotas[i] = plan.Quota{FeatureCode: q.FeatureCode, Limit: q.Limit}
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          planID,
		Name:        m.Name,
		Slug:        m.Slug,
		Description: m.Description,
		ProductID:   m.ProductID,
		Price:       types.NewMoney(m.PriceAmount, m.PriceCurrency),
		Cadence:     period.Cadence(m.Cadence),
		Free:        m.Free,
		Status:      plan.Status(m.Status),
		Quotas:      quotas,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Feature models ====================

type featureModel struct {
	grove.BaseModel `grove:"table:tally_features"`

	Code        string    `grove:"code,pk"     bson:"_id"`
	Name        string    `grove:"name"        bson:"name"`
	Description string    `grove:"description" bson:"description"`
	Active      bool      `grove:"active"      bson:"active"`
	CreatedAt   time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"  bson:"updated_at"`
}

func toFeatureModel(f *feature.Feature) *featureModel {
	return &featureModel{
		Code:        f.Code,
		Name:        f.Name,
		Description: f.Description,
		Active:      f.Active,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func fromFeatureModel(m *featureModel) *feature.Feature {
	return &feature.Feature{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Code:        m.Code,
		Name:        m.Name,
		Description: m.Description,
		Active:      m.Active,
	}
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tally_subscriptions"`

	ID         string            `grove:"id,pk"       bson:"_id"`
	UserID     string            `grove:"user_id"     bson:"user_id"`
	PlanID     string            `grove:"plan_id"     bson:"plan_id"`
	ExternalID string            `grove:"external_id" bson:"external_id"`
	Status     string            `grove:"status"      bson:"status"`
	StartsAt   time.Time         `grove:"starts_at"   bson:"starts_at"`
	EndsAt     *time.Time        `grove:"ends_at"     bson:"ends_at,omitempty"`
	AutoRenew  bool              `grove:"auto_renew"  bson:"auto_renew"`
	CanceledAt *time.Time        `grove:"canceled_at" bson:"canceled_at,omitempty"`
	Metadata   map[string]string `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt  time.Time         `grove:"created_at"  bson:"created_at"`
	UpdatedAt  time.Time         `grove:"updated_at"  bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:         s.ID.String(),
		UserID:     s.UserID,
		PlanID:     s.PlanID.String(),
		ExternalID: s.ExternalID,
		Status:     string(s.Status),
		StartsAt:   s.StartsAt,
		EndsAt:     s.EndsAt,
		AutoRenew:  s.AutoRenew,
		CanceledAt: s.CanceledAt,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         subID,
		UserID:     m.UserID,
		PlanID:     planID,
		ExternalID: m.ExternalID,
		Status:     subscription.Status(m.Status),
		StartsAt:   m.StartsAt.UTC(),
		EndsAt:     utc(m.EndsAt),
		AutoRenew:  m.AutoRenew,
		CanceledAt: utc(m.CanceledAt),
		Metadata:   m.Metadata,
	}, nil
}

// ==================== Usage models ====================

type usageRecordModel struct {
	grove.BaseModel `grove:"table:tally_usage_records"`

	ID          string    `grove:"id,pk"        bson:"_id"`
	UserID      string    `grove:"user_id"      bson:"user_id"`
	FeatureCode string    `grove:"feature_code" bson:"feature_code"`
	PeriodStart time.Time `grove:"period_start" bson:"period_start"`
	PeriodEnd   time.Time `grove:"period_end"   bson:"period_end"`
	Count       int64     `grove:"count"        bson:"count"`
	CreatedAt   time.Time `grove:"created_at"   bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"   bson:"updated_at"`
}

func fromUsageRecordModel(m *usageRecordModel) (*usage.Record, error) {
	recID, err := id.ParseUsageRecordID(m.ID)
	if err != nil {
		return nil, err
	}

	return &usage.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          recID,
		UserID:      m.UserID,
		FeatureCode: m.FeatureCode,
		PeriodStart: m.PeriodStart.UTC(),
		PeriodEnd:   m.PeriodEnd.UTC(),
		Count:       m.Count,
	}, nil
}

// ==================== Webhook delivery models ====================

type deliveryModel struct {
	grove.BaseModel `grove:"table:tally_webhook_deliveries"`

	ID          string     `grove:"id,pk"        bson:"_id"`
	Type        string     `grove:"type"         bson:"type"`
	ExternalID  string     `grove:"external_id"  bson:"external_id"`
	Status      string     `grove:"status"       bson:"status"`
	Attempts    int        `grove:"attempts"     bson:"attempts"`
	LastError   string     `grove:"last_error"   bson:"last_error"`
	ProcessedAt *time.Time `grove:"processed_at" bson:"processed_at,omitempty"`
	CreatedAt   time.Time  `grove:"created_at"   bson:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"   bson:"updated_at"`
}

func fromDeliveryModel(m *deliveryModel) *webhook.Delivery {
	return &webhook.Delivery{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          m.ID,
		Type:        m.Type,
		ExternalID:  m.ExternalID,
		Status:      webhook.DeliveryStatus(m.Status),
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		ProcessedAt: utc(m.ProcessedAt),
	}
}

// utc normalizes decoded BSON datetimes, which come back in local time.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
