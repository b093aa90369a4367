package entitlement

// Reason strings returned with a decision. Callers localize them.
const (
	ReasonFeatureNotFound      = "feature not found"
	ReasonNoActiveSubscription = "no active subscription"
	ReasonFeatureNotInPlan     = "feature not available in your plan"
	ReasonLimitExceeded        = "usage limit exceeded"
)

// Result is the admit/deny decision for one user, feature and moment.
// Remaining is -1 when Unlimited is set.
type Result struct {
	Allowed   bool   `json:"allowed"`
	Feature   string `json:"feature"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	Reason    string `json:"reason,omitempty"`
}

// NoSubscription reports whether the denial was caused by a missing
// subscription rather than a quota.
func (r *Result) NoSubscription() bool {
	return !r.Allowed && r.Reason == ReasonNoActiveSubscription
}
