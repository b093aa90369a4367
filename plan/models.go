package plan

import (
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/period"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Unlimited is the quota sentinel meaning "no cap". It must be checked before
// any arithmetic on a limit.
const Unlimited int64 = -1

type Plan struct {
	types.Entity
	ID          id.PlanID         `json:"id"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Description string            `json:"description"`
	ProductID   string            `json:"product_id,omitempty"`
	Price       types.Money       `json:"price"`
	Cadence     period.Cadence    `json:"cadence"`
	Free        bool              `json:"free"`
	Status      Status            `json:"status"`
	Quotas      []Quota           `json:"quotas"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Quota caps uses of one feature per period. Limit is a non-negative count or
// Unlimited.
type Quota struct {
	FeatureCode string `json:"feature_code"`
	Limit       int64  `json:"limit"`
}

type QuotaKind int

const (
	// QuotaAbsent means the plan does not grant the feature at all.
	QuotaAbsent QuotaKind = iota
	QuotaLimited
	QuotaUnlimited
)

func (k QuotaKind) String() string {
	switch k {
	case QuotaLimited:
		return "limited"
	case QuotaUnlimited:
		return "unlimited"
	default:
		return "absent"
	}
}

func (p *Plan) IsActive() bool {
	return p.Status == StatusActive
}

// Quota resolves the plan's quota for a feature code. A feature missing from
// the plan is QuotaAbsent, never unlimited.
func (p *Plan) Quota(featureCode string) (int64, QuotaKind) {
	for i := range p.Quotas {
		if p.Quotas[i].FeatureCode != featureCode {
			continue
		}
		if p.Quotas[i].Limit == Unlimited {
			return Unlimited, QuotaUnlimited
		}
		return p.Quotas[i].Limit, QuotaLimited
	}
	return 0, QuotaAbsent
}

// Allows reports whether currentUsage is still under the plan's quota.
func (p *Plan) Allows(featureCode string, currentUsage int64) bool {
	limit, kind := p.Quota(featureCode)
	switch kind {
	case QuotaUnlimited:
		return true
	case QuotaLimited:
		return currentUsage < limit
	default:
		return false
	}
}

// Validate checks the invariants a stored plan must satisfy.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return errMissing("name")
	}
	seen := make(map[string]bool, len(p.Quotas))
	for _, q := range p.Quotas {
		if q.FeatureCode == "" {
			return errMissing("quotas.feature_code")
		}
		if seen[q.FeatureCode] {
			return &InvalidError{Field: "quotas", Reason: "duplicate feature " + q.FeatureCode}
		}
		seen[q.FeatureCode] = true
		if q.Limit < Unlimited {
			return &InvalidError{Field: "quotas", Reason: "negative limit for " + q.FeatureCode}
		}
	}
	return nil
}

// InvalidError describes a plan that failed Validate.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return "plan: invalid " + e.Field + ": " + e.Reason
}

func errMissing(field string) error {
	return &InvalidError{Field: field, Reason: "required"}
}
