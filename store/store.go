// Package store defines the aggregate persistence interface used by the
// tally engine. Backends live in the sub-packages.
package store

import (
	"context"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/usage"
	"github.com/xraph/tally/webhook"
)

// Store is the unified storage interface for all Tally entities. The
// per-entity interfaces use distinct method names so they embed cleanly.
type Store interface {
	plan.Store
	feature.Store
	subscription.Store
	usage.Store
	webhook.Store

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
