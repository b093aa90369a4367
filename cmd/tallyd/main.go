// Command tallyd serves the Tally HTTP API over an in-memory store, with
// optional Redis usage counters and Prometheus metrics on /metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store/memory"
	redisstore "github.com/xraph/tally/store/redis"
)

// catalogFile is the seed format read from TALLY_CATALOG.
type catalogFile struct {
	Features []*feature.Feature `json:"features"`
	Plans    []*plan.Plan       `json:"plans"`
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("tallyd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	policy, err := tally.ParseUnknownFeaturePolicy(os.Getenv("TALLY_UNKNOWN_FEATURE"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	opts := []tally.Option{
		tally.WithLogger(logger),
		tally.WithUnknownFeaturePolicy(policy),
		tally.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(registry))),
		tally.WithPlugin(audithook.New(audithook.RecorderFunc(func(_ context.Context, ev *audithook.AuditEvent) error {
			logger.Info("audit", "action", ev.Action, "resource", ev.Resource, "resource_id", ev.ResourceID, "outcome", ev.Outcome)
			return nil
		}), audithook.WithLogger(logger))),
	}

	if v := os.Getenv("TALLY_GRACE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TALLY_GRACE_WINDOW: %w", err)
		}
		opts = append(opts, tally.WithGraceWindow(d))
	}

	if addr := os.Getenv("TALLY_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("TALLY_REDIS_PASSWORD"),
		})
		usageStore := redisstore.New(client)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := usageStore.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", addr, err)
		}
		opts = append(opts, tally.WithUsageStore(usageStore))
		logger.Info("usage counters in redis", "addr", addr)
	}

	engine := tally.New(memory.New(), opts...)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		return err
	}

	if path := os.Getenv("TALLY_CATALOG"); path != "" {
		if err := seedCatalog(ctx, engine, path); err != nil {
			_ = engine.Stop(ctx)
			return err
		}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := engine.Store().Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	httpapi.New(engine, httpapi.Config{
		BasePath:      envOr("TALLY_BASE_PATH", "/tally"),
		WebhookSecret: os.Getenv("TALLY_WEBHOOK_SECRET"),
		UserHeader:    os.Getenv("TALLY_USER_HEADER"),
	}).Register(app)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := envOr("TALLY_ADDR", ":8080")
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		errc <- app.Listen(addr)
	}()

	select {
	case err = <-errc:
	case <-quit:
		logger.Info("shutting down server")
		err = app.ShutdownWithTimeout(10 * time.Second)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := engine.Stop(stopCtx); stopErr != nil {
		logger.Error("engine stop", "error", stopErr)
	}

	logger.Info("server stopped")
	return err
}

// seedCatalog creates the features and plans listed in a JSON file.
func seedCatalog(ctx context.Context, engine *tally.Engine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}

	cat := engine.Catalog()
	for _, f := range cf.Features {
		if err := cat.CreateFeature(ctx, f); err != nil {
			return fmt.Errorf("feature %s: %w", f.Code, err)
		}
	}
	for _, p := range cf.Plans {
		if err := cat.CreatePlan(ctx, p); err != nil {
			return fmt.Errorf("plan %s: %w", p.Name, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
