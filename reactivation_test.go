package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/subscription"
)

// revokedPro leaves u1 with a pro subscription that ended at the fixture's
// start instant.
func revokedPro(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	end := f.clock.Now()
	data := subject("u1", "ext_1", end.AddDate(0, -1, 0), end.Add(time.Hour))

	if out := f.engine.HandleWebhook(ctx, body(t, "evt_1", "subscription.created", data)); !out.IsOk() {
		t.Fatal(out.Err)
	}
	data = subject("u1", "ext_1", end.AddDate(0, -1, 0), end)
	if out := f.engine.HandleWebhook(ctx, body(t, "evt_2", "subscription.revoked", data)); !out.IsOk() {
		t.Fatal(out.Err)
	}
}

func TestTryReactivateGraceWindow(t *testing.T) {
	tests := []struct {
		name    string
		after   time.Duration
		success bool
		message string
	}{
		{"five days", 5 * 24 * time.Hour, true, tally.MessageReactivatable},
		{"at deadline", 7 * 24 * time.Hour, true, tally.MessageReactivatable},
		{"ten days", 10 * 24 * time.Hour, false, tally.MessageGraceExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			revokedPro(t, f)
			f.clock.Advance(tt.after)

			d, err := f.engine.Grace().TryReactivate(context.Background(), "u1", f.pro.ID)
			if err != nil {
				t.Fatal(err)
			}
			if d.Success != tt.success || d.Message != tt.message {
				t.Errorf("decision = %+v", d)
			}
			if d.Subscription == nil {
				t.Error("decision carries no subscription")
			}
		})
	}
}

func TestTryReactivateNoPrevious(t *testing.T) {
	f := setup(t)
	f.signup(t, "u1")

	d, err := f.engine.Grace().TryReactivate(context.Background(), "u1", f.pro.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Success || d.Message != tally.MessageNoPrevious {
		t.Errorf("decision = %+v", d)
	}
}

func TestReactivateResumesSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	revokedPro(t, f)
	f.signup(t, "u1") // back on free after the revoke
	f.clock.Advance(3 * 24 * time.Hour)

	sub, err := f.engine.Subscriptions().Reactivate(ctx, "u1", f.pro.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != subscription.StatusActive || !sub.AutoRenew || sub.CanceledAt != nil {
		t.Fatalf("reactivated = %+v", sub)
	}
	if !sub.EndsAt.After(f.clock.Now()) {
		t.Errorf("ends_at %v is not after now", sub.EndsAt)
	}

	active, err := f.engine.Subscriptions().Active(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != sub.ID {
		t.Errorf("active = %s, want reactivated %s", active.ID, sub.ID)
	}

	res, err := f.engine.Entitlements().Check(ctx, "u1", featureResume)
	if err != nil || !res.Unlimited {
		t.Errorf("check after reactivation = %+v, %v", res, err)
	}
}

func TestReactivateAfterGraceFails(t *testing.T) {
	f := setup(t)
	revokedPro(t, f)
	f.clock.Advance(10 * 24 * time.Hour)

	_, err := f.engine.Subscriptions().Reactivate(context.Background(), "u1", f.pro.ID)
	if !errors.Is(err, tally.ErrNotReactivatable) {
		t.Errorf("err = %v, want ErrNotReactivatable", err)
	}
}

func TestCustomGraceWindow(t *testing.T) {
	f := setup(t, tally.WithGraceWindow(14*24*time.Hour))
	revokedPro(t, f)
	f.clock.Advance(10 * 24 * time.Hour)

	d, err := f.engine.Grace().TryReactivate(context.Background(), "u1", f.pro.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Success {
		t.Errorf("decision = %+v", d)
	}
}
