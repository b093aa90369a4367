package tally

import (
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/types"
)

// Re-export common types so callers don't have to import the leaf packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// CheckResult is re-exported from entitlement package.
type CheckResult = entitlement.Result

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	Zero = types.Zero
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
