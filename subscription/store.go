package subscription

import (
	"context"

	"github.com/xraph/tally/id"
)

// Store persists subscriptions. Implementations must guarantee at most one
// active row per user and return the tally conflict sentinel when a write
// would break that.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetLatestEndedSubscription(ctx context.Context, userID string, planID id.PlanID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, userID string, opts ListOpts) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
