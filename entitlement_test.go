package tally_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/subscription"
)

func TestCheckFiniteQuota(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.signup(t, "u1")
	ent := f.engine.Entitlements()

	for used := int64(0); used <= 4; used++ {
		res, err := ent.Check(ctx, "u1", featureResume)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		wantAllowed := used < 3
		if res.Allowed != wantAllowed {
			t.Errorf("used=%d: Allowed = %v, want %v", used, res.Allowed, wantAllowed)
		}
		if res.Used != used || res.Limit != 3 || res.Remaining != max(3-used, 0) {
			t.Errorf("used=%d: got %+v", used, res)
		}
		if !wantAllowed && res.Reason != entitlement.ReasonLimitExceeded {
			t.Errorf("used=%d: Reason = %q", used, res.Reason)
		}
		f.engine.Usage().Record(ctx, "u1", featureResume)
	}
}

func TestFreePlanExhaustedThenReset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.signup(t, "u1")
	ent := f.engine.Entitlements()

	for i := 0; i < 3; i++ {
		if !ent.Record(ctx, "u1", featureResume) {
			t.Fatal("Record returned false")
		}
	}

	res, err := ent.Check(ctx, "u1", featureResume)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("at quota: got %+v, want denied with remaining 0", res)
	}

	if err := f.engine.Usage().Reset(ctx, "u1", featureResume); err != nil {
		t.Fatal(err)
	}
	res, err = ent.Check(ctx, "u1", featureResume)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 3 {
		t.Fatalf("after reset: got %+v, want allowed with remaining 3", res)
	}
}

func TestProUnlimitedNeverDenies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()

	out := f.engine.HandleWebhook(ctx, body(t, "evt_pro", "subscription.created",
		subject("u1", "ext_pro", now, now.AddDate(0, 1, 0))))
	if !out.IsOk() {
		t.Fatalf("created webhook: %v %v", out.Result.Kind, out.Err)
	}

	for i := 0; i < 10000; i++ {
		if !f.engine.Entitlements().Record(ctx, "u1", featureResume) {
			t.Fatalf("Record %d returned false", i)
		}
	}

	res, err := f.engine.Entitlements().Check(ctx, "u1", featureResume)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || !res.Unlimited || res.Remaining != -1 {
		t.Fatalf("got %+v, want allowed unlimited", res)
	}
	if got := f.engine.Usage().Usage(ctx, "u1", featureResume); got != 10000 {
		t.Errorf("Usage = %d, want 10000", got)
	}
}

func TestCheckReasons(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.signup(t, "free_user")
	now := f.clock.Now()
	if out := f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created",
		subject("pro_user", "ext_1", now, now.AddDate(0, 1, 0)))); !out.IsOk() {
		t.Fatalf("created webhook: %v", out.Err)
	}

	tests := []struct {
		name    string
		user    string
		code    string
		allowed bool
		reason  string
	}{
		{"unknown feature allowed", "free_user", "does_not_exist", true, entitlement.ReasonFeatureNotFound},
		{"inactive feature allowed", "free_user", featureOld, true, entitlement.ReasonFeatureNotFound},
		{"no subscription", "nobody", featureResume, false, entitlement.ReasonNoActiveSubscription},
		{"feature absent from plan", "pro_user", featureLetter, false, entitlement.ReasonFeatureNotInPlan},
		{"within quota", "free_user", featureLetter, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.Entitlements().Check(ctx, tt.user, tt.code)
			if err != nil {
				t.Fatal(err)
			}
			if res.Allowed != tt.allowed || res.Reason != tt.reason {
				t.Errorf("got allowed=%v reason=%q, want %v %q", res.Allowed, res.Reason, tt.allowed, tt.reason)
			}
		})
	}

	res, _ := f.engine.Entitlements().Check(ctx, "nobody", featureResume)
	if !res.NoSubscription() {
		t.Error("NoSubscription() should be true")
	}
}

func TestUnknownFeatureDenyPolicy(t *testing.T) {
	f := setup(t, tally.WithUnknownFeaturePolicy(tally.UnknownFeatureDeny))
	f.signup(t, "u1")

	res, err := f.engine.Entitlements().Check(context.Background(), "u1", "does_not_exist")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != entitlement.ReasonFeatureNotFound {
		t.Errorf("got %+v, want denied feature not found", res)
	}
	if f.engine.Entitlements().Policy() != tally.UnknownFeatureDeny {
		t.Error("policy not applied")
	}
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) Name() string { return "recorder" }

func (h *hookRecorder) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *hookRecorder) has(ev string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (h *hookRecorder) OnQuotaExceeded(context.Context, string, string, int64, int64) error {
	h.add("quota_exceeded")
	return nil
}

func (h *hookRecorder) OnSubscriptionExpired(context.Context, *subscription.Subscription) error {
	h.add("expired")
	return nil
}

func (h *hookRecorder) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	h.add("created")
	return nil
}

func TestHooksFire(t *testing.T) {
	rec := &hookRecorder{}
	f := setup(t, tally.WithPlugin(rec))
	ctx := context.Background()
	now := f.clock.Now()

	f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created",
		subject("u1", "ext_1", now, now.Add(24*time.Hour))))
	f.signup(t, "u2")
	f.engine.Entitlements().Record(ctx, "u2", featureLetter)
	if res, _ := f.engine.Entitlements().Check(ctx, "u2", featureLetter); res.Allowed {
		t.Fatal("expected denial after one cover letter")
	}

	f.clock.Advance(48 * time.Hour)
	_, _ = f.engine.Subscriptions().Active(ctx, "u1")

	for _, ev := range []string{"created", "quota_exceeded", "expired"} {
		if !rec.has(ev) {
			t.Errorf("hook %q did not fire", ev)
		}
	}
}
