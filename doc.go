// Package tally tracks which plan each user is on, turns billing-provider
// webhooks into subscription state, counts per-period feature usage, and
// gates feature access against plan quotas.
//
// Tally is a library, not a service. Import it into your Go application and
// pick a store:
//
//   - store/memory for tests and development
//   - store/postgres, store/sqlite, store/mongo through grove
//   - store/redis for usage counters only, injected with WithUsageStore
//
// # Quick Start
//
//	s := memory.New()
//	engine := tally.New(s, tally.WithLogger(logger))
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop(ctx)
//
// # Core Concepts
//
// Plans grant features with a per-period quota. A feature missing from a plan
// is denied; a quota of plan.Unlimited (-1) is never exhausted:
//
//	free := &plan.Plan{
//	    Name: "Free", Free: true, Cadence: period.Monthly,
//	    Quotas: []plan.Quota{{FeatureCode: "resume_generation", Limit: 3}},
//	}
//	err := engine.Catalog().CreatePlan(ctx, free)
//
// Signup assigns the free plan; webhooks move users between plans:
//
//	sub, err := engine.Subscriptions().AssignFreePlan(ctx, userID)
//	out := engine.HandleWebhook(ctx, body) // Ok, Retryable or Fatal
//
// Check before doing gated work and record only after it succeeded:
//
//	res, err := engine.Entitlements().Check(ctx, userID, "resume_generation")
//	if err == nil && res.Allowed {
//	    generate()
//	    engine.Entitlements().Record(ctx, userID, "resume_generation")
//	}
//
// # Unknown features
//
// A feature code the catalog does not know (or has deactivated) is allowed by
// default and reported with reason "feature not found". A known feature that
// a plan does not list is always denied. Use
// WithUnknownFeaturePolicy(UnknownFeatureDeny) to deny unknown codes too.
//
// # Expiry
//
// There is no scheduler. A subscription whose end instant has passed is
// revoked the next time it is read, and the revocation is persisted by that
// read.
//
// # TypeID
//
// Entities use TypeID identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	usg_01h455vb4pex5vsknk084sn02q   // Usage record ID
package tally
