// Package httpapi exposes the Tally engine over HTTP with fiber.
//
// The host application authenticates requests and stores the caller's id
// under the UserLocal fiber local before the routes run. For internal
// deployments a trusted header can be configured instead.
package httpapi

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/webhook"
)

// UserLocal is the fiber local holding the authenticated user id.
const UserLocal = "user_id"

// Config configures the HTTP surface.
type Config struct {
	// BasePath is the route prefix (default "/tally").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// WebhookSecret enables signature checks on POST /webhooks.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// UserHeader is read when UserLocal is unset. Leave empty unless a
	// trusted proxy sets it.
	UserHeader string `json:"user_header" mapstructure:"user_header" yaml:"user_header"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{BasePath: "/tally"}
}

// API serves the Tally routes.
type API struct {
	engine   *tally.Engine
	cfg      Config
	verifier *webhook.Verifier
	logger   *slog.Logger
}

// New creates an API over engine.
func New(engine *tally.Engine, cfg Config) *API {
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultConfig().BasePath
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	return &API{
		engine:   engine,
		cfg:      cfg,
		verifier: webhook.NewVerifier(cfg.WebhookSecret),
		logger:   engine.Logger(),
	}
}

// Register mounts the routes on r under the base path.
func (a *API) Register(r fiber.Router) {
	g := r.Group(a.cfg.BasePath)

	g.Post("/webhooks", a.handleWebhook)

	g.Get("/entitlements/:feature", a.requireUser, a.handleCheck)
	g.Post("/usage/:feature", a.requireUser, a.handleRecord)
	g.Get("/subscription", a.requireUser, a.handleSubscription)
	g.Post("/subscription/reactivate", a.requireUser, a.handleReactivate)
}

// App returns a fiber app with only the Tally routes mounted.
func (a *API) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	a.Register(app)
	return app
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

type webhookResponse struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	Type       string `json:"type,omitempty"`
	Result     string `json:"result"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Ignored    bool   `json:"ignored,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleWebhook answers 200 for applied or skipped deliveries, 202 for
// deliveries that can never apply and 503 when the provider should retry.
func (a *API) handleWebhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)

	if a.verifier != nil {
		if err := a.verifier.Verify(body, c.Get(webhook.SignatureHeader)); err != nil {
			a.logger.Warn("webhook signature rejected", "ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
	}

	out := a.engine.HandleWebhook(c.UserContext(), body)
	resp := webhookResponse{
		DeliveryID: out.DeliveryID,
		Type:       string(out.Type),
		Result:     out.Kind.String(),
		Duplicate:  out.Duplicate,
		Ignored:    out.Ignored,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	switch out.Kind {
	case tally.ResultRetryable:
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	case tally.ResultFatal:
		return c.Status(fiber.StatusAccepted).JSON(resp)
	default:
		return c.Status(fiber.StatusOK).JSON(resp)
	}
}

// ──────────────────────────────────────────────────
// User routes
// ──────────────────────────────────────────────────

func (a *API) requireUser(c *fiber.Ctx) error {
	if a.userID(c) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	return c.Next()
}

// userID reads the local set by the host's auth middleware, then the
// trusted header.
func (a *API) userID(c *fiber.Ctx) string {
	if v, ok := c.Locals(UserLocal).(string); ok && v != "" {
		return v
	}
	if a.cfg.UserHeader != "" {
		return strings.TrimSpace(c.Get(a.cfg.UserHeader))
	}
	return ""
}

// handleCheck answers 200 when allowed, 429 without an active subscription
// and 403 for any other denial. The body is the decision in every case.
func (a *API) handleCheck(c *fiber.Ctx) error {
	res, err := a.engine.Entitlements().Check(c.UserContext(), a.userID(c), c.Params("feature"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}

	switch {
	case res.Allowed:
		return c.Status(fiber.StatusOK).JSON(res)
	case res.NoSubscription():
		return c.Status(fiber.StatusTooManyRequests).JSON(res)
	default:
		return c.Status(fiber.StatusForbidden).JSON(res)
	}
}

// handleRecord answers 204 once the use is counted, 409 when it was not
// recorded and 503 on store faults.
func (a *API) handleRecord(c *fiber.Ctx) error {
	r := a.engine.Entitlements().RecordResult(c.UserContext(), a.userID(c), c.Params("feature"))
	switch r.Kind {
	case tally.ResultOk:
		return c.SendStatus(fiber.StatusNoContent)
	case tally.ResultRetryable:
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": r.Err.Error()})
	default:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": r.Err.Error()})
	}
}

func (a *API) handleSubscription(c *fiber.Ctx) error {
	sub, err := a.engine.Subscriptions().Active(c.UserContext(), a.userID(c))
	if err != nil {
		if errors.Is(err, tally.ErrNoActiveSubscription) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(sub)
}

type reactivateRequest struct {
	PlanID string `json:"plan_id"`
}

// handleReactivate answers 200 with the resumed subscription or 409 with the
// grace policy's message.
func (a *API) handleReactivate(c *fiber.Ctx) error {
	var req reactivateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	planID, err := id.ParsePlanID(req.PlanID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid plan_id"})
	}

	ctx := c.UserContext()
	user := a.userID(c)

	d, err := a.engine.Grace().TryReactivate(ctx, user, planID)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	if !d.Success {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": d.Message})
	}

	sub, err := a.engine.Subscriptions().Reactivate(ctx, user, planID)
	if err != nil {
		if tally.Classify(err).Kind == tally.ResultFatal {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(sub)
}
