package tally_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/period"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

const (
	featureResume = "resume_generation"
	featureLetter = "cover_letter"
	featureOld    = "legacy_export"
	productPro    = "prod_pro"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *tally.Engine
	store  *memory.Store
	clock  *clock
	free   *plan.Plan
	pro    *plan.Plan
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup builds an engine with a free plan (3 resumes, 1 cover letter) and an
// unlimited pro plan that does not include cover letters.
func setup(t *testing.T, opts ...tally.Option) *fixture {
	t.Helper()
	return setupWith(t, memory.New(), nil, opts...)
}

// setupWith runs the engine over s, which wraps mem. A nil s uses mem.
func setupWith(t *testing.T, mem *memory.Store, s store.Store, opts ...tally.Option) *fixture {
	t.Helper()

	if s == nil {
		s = mem
	}
	f := &fixture{store: mem, clock: newClock()}
	opts = append([]tally.Option{tally.WithClock(f.clock.Now), tally.WithLogger(discard())}, opts...)
	f.engine = tally.New(s, opts...)

	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })

	cat := f.engine.Catalog()
	for _, ft := range []*feature.Feature{
		{Code: featureResume, Name: "Resume generation", Active: true},
		{Code: featureLetter, Name: "Cover letter", Active: true},
		{Code: featureOld, Name: "Legacy export", Active: false},
	} {
		if err := cat.CreateFeature(ctx, ft); err != nil {
			t.Fatalf("CreateFeature(%s): %v", ft.Code, err)
		}
	}

	f.free = &plan.Plan{
		Name:    "Free",
		Free:    true,
		Cadence: period.Monthly,
		Price:   types.Zero("usd"),
		Quotas: []plan.Quota{
			{FeatureCode: featureResume, Limit: 3},
			{FeatureCode: featureLetter, Limit: 1},
			{FeatureCode: featureOld, Limit: 5},
		},
	}
	f.pro = &plan.Plan{
		Name:      "Pro",
		ProductID: productPro,
		Cadence:   period.Monthly,
		Price:     types.USD(1900),
		Quotas:    []plan.Quota{{FeatureCode: featureResume, Limit: plan.Unlimited}},
	}
	for _, p := range []*plan.Plan{f.free, f.pro} {
		if err := cat.CreatePlan(ctx, p); err != nil {
			t.Fatalf("CreatePlan(%s): %v", p.Name, err)
		}
	}
	return f
}

func (f *fixture) signup(t *testing.T, userID string) {
	t.Helper()
	if _, err := f.engine.Subscriptions().AssignFreePlan(context.Background(), userID); err != nil {
		t.Fatalf("AssignFreePlan: %v", err)
	}
}

// body builds a webhook delivery. Times are RFC 3339.
func body(t *testing.T, eventID, typ string, data map[string]any) []byte {
	t.Helper()
	env := map[string]any{"type": typ, "data": data}
	if eventID != "" {
		env["id"] = eventID
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func subject(userID, externalID string, start, end time.Time) map[string]any {
	return map[string]any{
		"subscription_id":      externalID,
		"user_id":              userID,
		"product_id":           productPro,
		"current_period_start": start.Format(time.RFC3339),
		"current_period_end":   end.Format(time.RFC3339),
	}
}

func with(data map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(data)+len(kv)/2)
	for k, v := range data {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
