package sqlite

import (
	"encoding/json"
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

	ID            string            `grove:"id,pk"`
	Name          string            `grove:"name"`
	Slug          string            `grove:"slug"`
	Description   string            `grove:"description"`
	ProductID     string            `grove:"product_id"`
	PriceAmount   int64             `grove:"price_amount"`
	PriceCurrency string            `grove:"price_currency"`
	Cadence       string            `grove:"cadence"`
	Free          bool              `grove:"free"`
	Status        string            `grove:"status"`
	Quotas        string            `grove:"quotas"`
	Metadata      string            `grove:"metadata"`
	CreatedAt     time.Time         `grove:"created_at"`
	UpdatedAt     time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	quotas, _ := json.Marshal(p.Quotas) //nolint:errcheck // plain structs always marshal

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
		Quotas:        string(quotas),
		Metadata:      encodeMetadata(p.Metadata),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	var quotas []plan.Quota
	if m.Quotas != "" {
		if err := json.Unmarshal([]byte(m.Quotas), &quotas); err != nil {
			return nil, err
		}
	}
	metadata, err := decodeMetadata(m.Metadata)
	if err != nil {
		return nil, err
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
		Metadata:    metadata,
	}, nil
}

// ==================== Feature models ====================

type featureModel struct {
	grove.BaseModel `grove:"table:tally_features"`

	Code        string    `grove:"code,pk"`
	Name        string    `grove:"name"`
	Description string    `grove:"description"`
	Active      bool      `grove:"active"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
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

	ID         string            `grove:"id,pk"`
	UserID     string            `grove:"user_id"`
	PlanID     string            `grove:"plan_id"`
	ExternalID string            `grove:"external_id"`
	Status     string            `grove:"status"`
	StartsAt   time.Time         `grove:"starts_at"`
	EndsAt     *time.Time        `grove:"ends_at"`
	AutoRenew  bool              `grove:"auto_renew"`
	CanceledAt *time.Time        `grove:"canceled_at"`
	Metadata   string            `grove:"metadata"`
	CreatedAt  time.Time         `grove:"created_at"`
	UpdatedAt  time.Time         `grove:"updated_at"`
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
		Metadata:   encodeMetadata(s.Metadata),
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
	metadata, err := decodeMetadata(m.Metadata)
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
		StartsAt:   m.StartsAt,
		EndsAt:     m.EndsAt,
		AutoRenew:  m.AutoRenew,
		CanceledAt: m.CanceledAt,
		Metadata:   metadata,
	}, nil
}

// ==================== Usage models ====================

type usageRecordModel struct {
	grove.BaseModel `grove:"table:tally_usage_records"`

	ID          string    `grove:"id,pk"`
	UserID      string    `grove:"user_id"`
	FeatureCode string    `grove:"feature_code"`
	PeriodStart time.Time `grove:"period_start"`
	PeriodEnd   time.Time `grove:"period_end"`
	Count       int64     `grove:"count"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
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

	ID          string     `grove:"id,pk"`
	Type        string     `grove:"type"`
	ExternalID  string     `grove:"external_id"`
	Status      string     `grove:"status"`
	Attempts    int        `grove:"attempts"`
	LastError   string     `grove:"last_error"`
	ProcessedAt *time.Time `grove:"processed_at"`
	CreatedAt   time.Time  `grove:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"`
}

func toDeliveryModel(d *webhook.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:          d.ID,
		Type:        d.Type,
		ExternalID:  d.ExternalID,
		Status:      string(d.Status),
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		ProcessedAt: d.ProcessedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
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
		ProcessedAt: m.ProcessedAt,
	}
}

// ==================== JSON columns ====================

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(md) //nolint:errcheck // string maps always marshal
	return string(b)
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, err
	}
	return md, nil
}
