package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/period"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/webhook"
)

const secret = "whsec_test"

type clock struct {
	mu  sync.Mutex
	now time.Time
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

type harness struct {
	app    *fiber.App
	engine *tally.Engine
	clock  *clock
	pro    *plan.Plan
}

func newHarness(t *testing.T, cfg httpapi.Config) *harness {
	t.Helper()

	h := &harness{clock: &clock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}}
	h.engine = tally.New(memory.New(),
		tally.WithClock(h.clock.Now),
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	t.Cleanup(func() { _ = h.engine.Stop(context.Background()) })

	cat := h.engine.Catalog()
	require.NoError(t, cat.CreateFeature(ctx, &feature.Feature{Code: "export", Name: "Export", Active: true}))
	require.NoError(t, cat.CreatePlan(ctx, &plan.Plan{
		Name:    "Free",
		Free:    true,
		Cadence: period.Monthly,
		Quotas:  []plan.Quota{{FeatureCode: "export", Limit: 1}},
	}))
	h.pro = &plan.Plan{
		Name:      "Pro",
		ProductID: "prod_pro",
		Cadence:   period.Monthly,
		Quotas:    []plan.Quota{{FeatureCode: "export", Limit: plan.Unlimited}},
	}
	require.NoError(t, cat.CreatePlan(ctx, h.pro))

	cfg.UserHeader = "X-User-ID"
	h.app = httpapi.New(h.engine, cfg).App()
	return h
}

func (h *harness) do(t *testing.T, method, path, user string, body []byte, header ...string) (*http.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func event(t *testing.T, eventID, typ, user, ext string, end time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": typ,
		"data": map[string]any{
			"subscription_id":      ext,
			"user_id":              user,
			"product_id":           "prod_pro",
			"current_period_start": end.AddDate(0, -1, 0).Format(time.RFC3339),
			"current_period_end":   end.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)
	return raw
}

func TestWebhookStatusMapping(t *testing.T) {
	h := newHarness(t, httpapi.Config{})
	end := h.clock.Now().AddDate(0, 0, 20)

	resp, out := h.do(t, http.MethodPost, "/tally/webhooks", "", event(t, "evt_1", "subscription.created", "u1", "ext_1", end))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["result"])
	assert.Equal(t, "evt_1", out["delivery_id"])

	resp, out = h.do(t, http.MethodPost, "/tally/webhooks", "", event(t, "evt_1", "subscription.created", "u1", "ext_1", end))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["duplicate"])

	resp, out = h.do(t, http.MethodPost, "/tally/webhooks", "", []byte(`{"type":`))
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "fatal", out["result"])

	resp, out = h.do(t, http.MethodPost, "/tally/webhooks", "", []byte(`{"id":"evt_9","type":"invoice.paid","data":{}}`))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ignored"])
}

func TestWebhookSignature(t *testing.T) {
	h := newHarness(t, httpapi.Config{WebhookSecret: secret})
	payload := event(t, "evt_1", "subscription.created", "u1", "ext_1", h.clock.Now().AddDate(0, 0, 20))

	resp, _ := h.do(t, http.MethodPost, "/tally/webhooks", "", payload)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/tally/webhooks", "", payload, webhook.SignatureHeader, "sha256=00")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	sig := webhook.NewVerifier(secret).Sign(payload)
	resp, out := h.do(t, http.MethodPost, "/tally/webhooks", "", payload, webhook.SignatureHeader, sig)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["result"])
}

func TestEntitlementAndUsageRoutes(t *testing.T) {
	h := newHarness(t, httpapi.Config{})

	resp, _ := h.do(t, http.MethodGet, "/tally/entitlements/export", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, out := h.do(t, http.MethodGet, "/tally/entitlements/export", "u1", nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, entitlement.ReasonNoActiveSubscription, out["reason"])

	_, err := h.engine.Subscriptions().AssignFreePlan(context.Background(), "u1")
	require.NoError(t, err)

	resp, out = h.do(t, http.MethodGet, "/tally/entitlements/export", "u1", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["remaining"])

	resp, _ = h.do(t, http.MethodPost, "/tally/usage/export", "u1", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, out = h.do(t, http.MethodGet, "/tally/entitlements/export", "u1", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, entitlement.ReasonLimitExceeded, out["reason"])
	assert.EqualValues(t, 1, out["used"])

	resp, out = h.do(t, http.MethodPost, "/tally/usage/missing", "u1", nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, out["error"])
}

func TestUserLocalWins(t *testing.T) {
	h := newHarness(t, httpapi.Config{})
	_, err := h.engine.Subscriptions().AssignFreePlan(context.Background(), "from_local")
	require.NoError(t, err)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(httpapi.UserLocal, "from_local")
		return c.Next()
	})
	httpapi.New(h.engine, httpapi.Config{BasePath: "api/tally/"}).Register(app)

	req := httptest.NewRequest(http.MethodGet, "/api/tally/subscription", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSubscriptionRoute(t *testing.T) {
	h := newHarness(t, httpapi.Config{})

	resp, _ := h.do(t, http.MethodGet, "/tally/subscription", "u1", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	sub, err := h.engine.Subscriptions().AssignFreePlan(context.Background(), "u1")
	require.NoError(t, err)

	resp, out := h.do(t, http.MethodGet, "/tally/subscription", "u1", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, sub.ID.String(), out["id"])
	assert.Equal(t, string(subscription.StatusActive), out["status"])
}

func TestReactivateRoute(t *testing.T) {
	h := newHarness(t, httpapi.Config{})
	reactivate := func(planID string) (*http.Response, map[string]any) {
		return h.do(t, http.MethodPost, "/tally/subscription/reactivate", "u1", []byte(`{"plan_id":"`+planID+`"}`))
	}

	resp, _ := reactivate("not-an-id")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, out := reactivate(h.pro.ID.String())
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, tally.MessageNoPrevious, out["error"])

	ctx := context.Background()
	end := h.clock.Now()
	require.True(t, h.engine.HandleWebhook(ctx, event(t, "evt_1", "subscription.created", "u1", "ext_1", end.Add(time.Hour))).IsOk())
	require.True(t, h.engine.HandleWebhook(ctx, event(t, "evt_2", "subscription.revoked", "u1", "ext_1", end)).IsOk())

	h.clock.Advance(5 * 24 * time.Hour)
	resp, out = reactivate(h.pro.ID.String())
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(subscription.StatusActive), out["status"])
	assert.Equal(t, h.pro.ID.String(), out["plan_id"])

	resp, out = h.do(t, http.MethodGet, "/tally/entitlements/export", "u1", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["unlimited"])
}

func TestReactivateAfterGrace(t *testing.T) {
	h := newHarness(t, httpapi.Config{})
	ctx := context.Background()
	end := h.clock.Now()
	require.True(t, h.engine.HandleWebhook(ctx, event(t, "evt_1", "subscription.created", "u1", "ext_1", end.Add(time.Hour))).IsOk())
	require.True(t, h.engine.HandleWebhook(ctx, event(t, "evt_2", "subscription.revoked", "u1", "ext_1", end)).IsOk())

	h.clock.Advance(10 * 24 * time.Hour)
	resp, out := h.do(t, http.MethodPost, "/tally/subscription/reactivate", "u1", []byte(`{"plan_id":"`+h.pro.ID.String()+`"}`))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, tally.MessageGraceExpired, out["error"])
}
