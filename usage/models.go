package usage

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Record is the usage counter for one (user, feature, period start). Records
// of past periods are kept as history and never rewritten by later periods.
type Record struct {
	types.Entity
	ID          id.UsageRecordID `json:"id"`
	UserID      string           `json:"user_id"`
	FeatureCode string           `json:"feature_code"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Count       int64            `json:"count"`
}

// Key identifies a counter.
type Key struct {
	UserID      string
	FeatureCode string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// String renders the key in a storage-neutral form, e.g.
// "u_1:resume_generation:2025-03-01T00:00:00Z".
func (k Key) String() string {
	return k.UserID + ":" + k.FeatureCode + ":" + k.PeriodStart.UTC().Format(time.RFC3339)
}
