package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
)

func TestSeedCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	raw := `{
		"features": [{"code": "export", "name": "Export", "active": true}],
		"plans": [{"name": "Free", "free": true, "cadence": "monthly",
			"quotas": [{"feature_code": "export", "limit": 3}]}]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	engine := tally.New(memory.New(), tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = engine.Stop(ctx) }()

	if err := seedCatalog(ctx, engine, path); err != nil {
		t.Fatalf("seedCatalog: %v", err)
	}
	free, err := engine.Catalog().FreePlan(ctx)
	if err != nil {
		t.Fatalf("FreePlan: %v", err)
	}
	if limit, _ := engine.Catalog().Quota(free, "export"); limit != 3 {
		t.Errorf("export limit = %d, want 3", limit)
	}

	if err := seedCatalog(ctx, engine, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing catalog file accepted")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TALLY_TEST_ADDR", "")
	if got := envOr("TALLY_TEST_ADDR", ":8080"); got != ":8080" {
		t.Errorf("envOr(unset) = %q", got)
	}
	t.Setenv("TALLY_TEST_ADDR", ":9090")
	if got := envOr("TALLY_TEST_ADDR", ":8080"); got != ":9090" {
		t.Errorf("envOr(set) = %q", got)
	}
}
