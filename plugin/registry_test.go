package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/usage"
)

type counter struct {
	name     string
	recorded atomic.Int64
	checked  atomic.Int64
}

func (c *counter) Name() string { return c.name }

func (c *counter) OnUsageRecorded(context.Context, usage.Key, int64) error {
	c.recorded.Add(1)
	return nil
}

func (c *counter) OnEntitlementChecked(context.Context, string, *entitlement.Result) error {
	c.checked.Add(1)
	return errors.New("ignored")
}

type sleeper struct{}

func (sleeper) Name() string { return "sleeper" }

func (sleeper) OnUsageRecorded(ctx context.Context, _ usage.Key, _ int64) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

type panicker struct{}

func (panicker) Name() string { return "panicker" }

func (panicker) OnUsageRecorded(context.Context, usage.Key, int64) error {
	panic("boom")
}

func quiet() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterDuplicate(t *testing.T) {
	r := quiet()
	if err := r.Register(&counter{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&counter{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 || r.Get("a") == nil || r.Get("b") != nil {
		t.Errorf("unexpected registry state: count=%d", r.Count())
	}
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := quiet()
	c := &counter{name: "counter"}
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.EmitUsageRecorded(ctx, usage.Key{UserID: "u", FeatureCode: "f"}, 1)
	r.EmitUsageRecorded(ctx, usage.Key{UserID: "u", FeatureCode: "f"}, 2)
	r.EmitEntitlementChecked(ctx, "u", &entitlement.Result{Allowed: true})
	r.EmitQuotaExceeded(ctx, "u", "f", 3, 3)

	if got := c.recorded.Load(); got != 2 {
		t.Errorf("recorded = %d, want 2", got)
	}
	if got := c.checked.Load(); got != 1 {
		t.Errorf("checked = %d, want 1", got)
	}
}

func TestEmitSurvivesSlowAndPanickingPlugins(t *testing.T) {
	r := quiet().WithTimeout(20 * time.Millisecond)
	c := &counter{name: "counter"}
	for _, p := range []plugin.Plugin{sleeper{}, panicker{}, c} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	r.EmitUsageRecorded(context.Background(), usage.Key{}, 1)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
	if c.recorded.Load() != 1 {
		t.Error("plugins after a failing one should still run")
	}
}
