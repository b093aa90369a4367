package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
)

func TestWebhookCreatedActivatesPaidPlan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()
	f.signup(t, "u1")
	free, _ := f.engine.Subscriptions().Active(ctx, "u1")

	out := f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created",
		subject("u1", "ext_1", now, now.AddDate(0, 1, 0))))
	if !out.IsOk() || out.Subscription == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Subscription.PlanID != f.pro.ID || !out.Subscription.AutoRenew {
		t.Errorf("subscription = %+v", out.Subscription)
	}

	active, err := f.engine.Subscriptions().Active(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ExternalID != "ext_1" {
		t.Errorf("active external id = %q", active.ExternalID)
	}

	old, err := f.engine.Subscriptions().Get(ctx, free.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != subscription.StatusRevoked {
		t.Errorf("free subscription status = %s, want revoked", old.Status)
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()
	data := subject("u1", "ext_1", now, now.AddDate(0, 1, 0))

	first := f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))
	if !first.IsOk() {
		t.Fatal(first.Err)
	}

	again := f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))
	if !again.IsOk() || !again.Duplicate {
		t.Fatalf("same delivery twice = %+v, want duplicate", again)
	}

	// A redelivery under a new id is applied again and must converge.
	f.clock.Advance(time.Minute)
	replay := f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.created", data))
	if !replay.IsOk() || replay.Duplicate {
		t.Fatalf("replay = %+v", replay)
	}

	a, b := first.Subscription, replay.Subscription
	if a.ID != b.ID || a.Status != b.Status || a.PlanID != b.PlanID ||
		!a.StartsAt.Equal(b.StartsAt) || !a.EndsAt.Equal(*b.EndsAt) || a.AutoRenew != b.AutoRenew {
		t.Errorf("replay diverged:\n first  %+v\n replay %+v", a, b)
	}

	subs, err := f.engine.Subscriptions().History(ctx, "u1", subscription.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Errorf("rows = %d, want 1", len(subs))
	}

	d, err := f.store.GetDelivery(ctx, "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", d.Attempts)
	}
}

func TestWebhookCancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()
	end := now.AddDate(0, 0, 30)
	data := subject("u1", "ext_1", now, end)

	f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))

	f.clock.Advance(24 * time.Hour)
	out := f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.canceled", with(data, "status", "active")))
	if !out.IsOk() {
		t.Fatal(out.Err)
	}
	sub := out.Subscription
	if sub.Status != subscription.StatusActive || sub.AutoRenew || sub.CanceledAt == nil {
		t.Fatalf("after cancel = %+v", sub)
	}
	if !sub.CanceledAt.Equal(f.clock.Now()) {
		t.Errorf("canceled_at = %v, want %v", sub.CanceledAt, f.clock.Now())
	}
	canceledAt := *sub.CanceledAt

	res, err := f.engine.Entitlements().Check(ctx, "u1", featureResume)
	if err != nil || !res.Allowed {
		t.Fatalf("check before period end = %+v, %v", res, err)
	}

	// A replayed cancel keeps the first cancellation instant.
	f.clock.Advance(time.Hour)
	replay := f.engine.HandleWebhook(ctx, body(t, "evt_3", "subscription.canceled", data))
	if !replay.Subscription.CanceledAt.Equal(canceledAt) {
		t.Errorf("replayed canceled_at = %v, want %v", replay.Subscription.CanceledAt, canceledAt)
	}

	f.clock.Advance(30 * 24 * time.Hour)
	res, err = f.engine.Entitlements().Check(ctx, "u1", featureResume)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoSubscription() {
		t.Fatalf("check after period end = %+v", res)
	}

	stored, err := f.store.GetSubscriptionByExternalID(ctx, "ext_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != subscription.StatusRevoked || stored.AutoRenew {
		t.Errorf("stored after expiry = %+v", stored)
	}
}

func TestLazyExpiryPersists(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created",
		subject("u1", "ext_1", now, now.Add(time.Hour))))

	f.clock.Advance(time.Hour)
	if _, err := f.engine.Subscriptions().Active(ctx, "u1"); !errors.Is(err, tally.ErrNoActiveSubscription) {
		t.Fatalf("Active at end instant = %v", err)
	}
	if _, err := f.store.GetActiveSubscription(ctx, "u1"); !tally.IsNotFound(err) {
		t.Errorf("store still has an active row: %v", err)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     subscription.Status
	}{
		{"trialing", subscription.StatusActive},
		{"past_due", subscription.StatusPaused},
		{"unpaid", subscription.StatusPaused},
		{"canceled", subscription.StatusCanceled},
		{"incomplete_expired", subscription.StatusRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			now := f.clock.Now()
			data := subject("u1", "ext_1", now, now.AddDate(0, 1, 0))

			f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))
			out := f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.updated", with(data, "status", tt.provider)))
			if !out.IsOk() {
				t.Fatal(out.Err)
			}
			if out.Subscription.Status != tt.want {
				t.Errorf("status = %s, want %s", out.Subscription.Status, tt.want)
			}
		})
	}
}

func TestWebhookFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()
	data := subject("u1", "ext_1", now, now.AddDate(0, 1, 0))

	t.Run("malformed", func(t *testing.T) {
		out := f.engine.HandleWebhook(ctx, []byte(`{"type":"subscription.created","data":`))
		if out.Result.Kind != tally.ResultFatal || out.DeliveryID == "" {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		bad := with(data, "user_id", "")
		out := f.engine.HandleWebhook(ctx, body(t, "evt_bad", "subscription.created", bad))
		if out.Result.Kind != tally.ResultFatal {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		out := f.engine.HandleWebhook(ctx, body(t, "evt_prod", "subscription.created", with(data, "product_id", "prod_nope")))
		if out.Result.Kind != tally.ResultFatal || !errors.Is(out.Err, tally.ErrUnknownProduct) {
			t.Errorf("outcome = %+v", out)
		}
		d, err := f.store.GetDelivery(ctx, "evt_prod")
		if err != nil {
			t.Fatal(err)
		}
		if d.LastError == "" {
			t.Error("failed delivery has no error recorded")
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		out := f.engine.HandleWebhook(ctx, body(t, "evt_x", "customer.updated", map[string]any{"anything": true}))
		if !out.IsOk() || !out.Ignored {
			t.Errorf("outcome = %+v", out)
		}
	})

}

func TestWebhookUpdatedAfterRevoke(t *testing.T) {
	tests := []struct {
		provider string
		want     subscription.Status
	}{
		{"past_due", subscription.StatusPaused},
		{"canceled", subscription.StatusCanceled},
		{"pending", subscription.StatusPending},
		{"active", subscription.StatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			now := f.clock.Now()
			data := subject("u1", "ext_1", now, now.AddDate(0, 1, 0))

			f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))
			if out := f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.revoked", data)); !out.IsOk() {
				t.Fatal(out.Err)
			}

			end := now.AddDate(0, 2, 0)
			next := with(subject("u1", "ext_1", now.AddDate(0, 1, 0), end), "status", tt.provider)
			out := f.engine.HandleWebhook(ctx, body(t, "evt_3", "subscription.updated", next))
			if !out.IsOk() {
				t.Fatalf("outcome = %+v", out)
			}

			sub, err := f.store.GetSubscriptionByExternalID(ctx, "ext_1")
			if err != nil {
				t.Fatal(err)
			}
			if sub.Status != tt.want {
				t.Errorf("status = %s, want %s", sub.Status, tt.want)
			}
			if sub.EndsAt == nil || !sub.EndsAt.Equal(end) {
				t.Errorf("ends_at = %v, want %v", sub.EndsAt, end)
			}
		})
	}
}

// flakyStore fails subscription writes on demand.
type flakyStore struct {
	*memory.Store
	failCreate bool
	failUpdate string // external id whose updates fail
}

var errReset = errors.New("connection reset")

func (s *flakyStore) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if s.failCreate {
		return errReset
	}
	return s.Store.CreateSubscription(ctx, sub)
}

func (s *flakyStore) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if s.failUpdate != "" && sub.ExternalID == s.failUpdate {
		return errReset
	}
	return s.Store.UpdateSubscription(ctx, sub)
}

func TestSupersedeRestoredWhenWriteFails(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		mem := memory.New()
		flaky := &flakyStore{Store: mem}
		f := setupWith(t, mem, flaky)
		ctx := context.Background()
		now := f.clock.Now()
		f.signup(t, "u1")

		flaky.failCreate = true
		raw := body(t, "evt_1", "subscription.created", subject("u1", "ext_1", now, now.AddDate(0, 1, 0)))
		out := f.engine.HandleWebhook(ctx, raw)
		if out.Result.Kind != tally.ResultRetryable || !errors.Is(out.Err, errReset) {
			t.Fatalf("outcome = %+v", out)
		}

		active, err := f.engine.Subscriptions().Active(ctx, "u1")
		if err != nil {
			t.Fatalf("Active after failed create: %v", err)
		}
		if active.PlanID != f.free.ID {
			t.Errorf("active plan = %s, want free", active.PlanID)
		}

		flaky.failCreate = false
		if out := f.engine.HandleWebhook(ctx, raw); !out.IsOk() {
			t.Fatalf("redelivery = %+v", out)
		}
		active, err = f.engine.Subscriptions().Active(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if active.ExternalID != "ext_1" {
			t.Errorf("active external id = %q, want ext_1", active.ExternalID)
		}
	})

	t.Run("update", func(t *testing.T) {
		mem := memory.New()
		flaky := &flakyStore{Store: mem}
		f := setupWith(t, mem, flaky)
		ctx := context.Background()
		now := f.clock.Now()
		data := subject("u1", "ext_1", now, now.AddDate(0, 1, 0))

		f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data))
		f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.revoked", data))
		f.signup(t, "u1")

		flaky.failUpdate = "ext_1"
		out := f.engine.HandleWebhook(ctx, body(t, "evt_3", "subscription.activated", data))
		if out.Result.Kind != tally.ResultRetryable {
			t.Fatalf("outcome = %+v", out)
		}

		active, err := f.engine.Subscriptions().Active(ctx, "u1")
		if err != nil {
			t.Fatalf("Active after failed update: %v", err)
		}
		if active.PlanID != f.free.ID {
			t.Errorf("active plan = %s, want free", active.PlanID)
		}
	})
}

func TestAssignFreePlanIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.engine.Subscriptions().AssignFreePlan(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.engine.Subscriptions().AssignFreePlan(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("second signup created %s, want %s", b.ID, a.ID)
	}
	if _, err := f.engine.Subscriptions().AssignFreePlan(ctx, ""); err == nil {
		t.Error("empty user id accepted")
	}
}
