package usage

import (
	"context"
	"time"
)

// Store persists usage counters.
//
// IncrementUsage must create the counter at zero when missing and add one in a
// single atomic step, returning the new count. Concurrent calls for the same
// key must never lose an update.
type Store interface {
	IncrementUsage(ctx context.Context, key Key) (int64, error)
	GetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) (*Record, error)
	ListUsage(ctx context.Context, userID string, opts ListOpts) ([]*Record, error)
	ResetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) error
}

type ListOpts struct {
	FeatureCode string
	Since       time.Time
	Limit       int
	Offset      int
}
