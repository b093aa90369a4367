// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate Tally
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	redisstore "github.com/xraph/tally/store/redis"
	"github.com/xraph/tally/store/sqlite"
	"github.com/xraph/tally/usage"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription lifecycle and usage-limit engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tally.Engine
	api        *httpapi.API
	store      store.Store
	usageStore usage.Store
	groveDB    *grove.DB
	engineOpts []tally.Option
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tally engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// API returns the HTTP API, or nil when routes are disabled.
func (e *Extension) API() *httpapi.API { return e.api }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = tally.New(e.store, opts...)

	if err := vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	e.api = httpapi.New(e.engine, httpapi.Config{
		BasePath:      e.config.BasePath,
		WebhookSecret: e.config.WebhookSecret,
		UserHeader:    e.config.UserHeader,
	})
	return vessel.Provide(fapp.Container(), func() (*httpapi.API, error) {
		return e.api, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(ctx); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if p, ok := e.usageStore.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// buildStore picks the primary store from the grove database, if any.
func (e *Extension) buildStore() (store.Store, error) {
	if e.groveDB == nil {
		return memory.New(), nil
	}
	switch e.config.GroveDriver {
	case "postgres", "pg":
		return postgres.New(e.groveDB), nil
	case "sqlite":
		return sqlite.New(e.groveDB), nil
	case "mongo", "mongodb":
		return mongo.New(e.groveDB), nil
	default:
		return nil, fmt.Errorf("tally: unsupported grove driver %q", e.config.GroveDriver)
	}
}

// buildEngineOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]tally.Option, error) {
	policy, err := tally.ParseUnknownFeaturePolicy(e.config.UnknownFeature)
	if err != nil {
		return nil, err
	}

	opts := make([]tally.Option, 0, len(e.engineOpts)+4)
	opts = append(opts,
		tally.WithGraceWindow(e.config.GraceWindow),
		tally.WithUnknownFeaturePolicy(policy),
	)
	if e.config.DisableMigrate {
		opts = append(opts, tally.WithoutMigrate())
	}

	if e.usageStore == nil && e.config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     e.config.RedisAddr,
			Password: e.config.RedisPassword,
			DB:       e.config.RedisDB,
		})
		var ropts []redisstore.Option
		if e.config.RedisPrefix != "" {
			ropts = append(ropts, redisstore.WithPrefix(e.config.RedisPrefix))
		}
		e.usageStore = redisstore.New(client, ropts...)
	}
	if e.usageStore != nil {
		opts = append(opts, tally.WithUsageStore(e.usageStore))
	}

	// Pass-through options last so they win.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("grace_window", e.config.GraceWindow),
		forge.F("unknown_feature", e.config.UnknownFeature),
		forge.F("grove_driver", e.config.GroveDriver),
		forge.F("redis", e.config.RedisAddr != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tally: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = defaults.GraceWindow
	}
	if cfg.UnknownFeature == "" {
		cfg.UnknownFeature = defaults.UnknownFeature
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML takes precedence; programmatic values fill gaps and bool flags
// override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&yamlConfig.BasePath, programmaticConfig.BasePath)
	fill(&yamlConfig.UnknownFeature, programmaticConfig.UnknownFeature)
	fill(&yamlConfig.WebhookSecret, programmaticConfig.WebhookSecret)
	fill(&yamlConfig.UserHeader, programmaticConfig.UserHeader)
	fill(&yamlConfig.GroveDriver, programmaticConfig.GroveDriver)
	fill(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)
	fill(&yamlConfig.RedisPassword, programmaticConfig.RedisPassword)
	fill(&yamlConfig.RedisPrefix, programmaticConfig.RedisPrefix)

	if yamlConfig.GraceWindow == 0 {
		yamlConfig.GraceWindow = programmaticConfig.GraceWindow
	}
	if yamlConfig.RedisDB == 0 {
		yamlConfig.RedisDB = programmaticConfig.RedisDB
	}

	return mergeWithDefaults(yamlConfig)
}
