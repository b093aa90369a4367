package extension

import "time"

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents the HTTP API from being built and provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for tally routes (default: "/tally").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// GraceWindow is how long an ended subscription stays reactivatable
	// (default: 7 days).
	GraceWindow time.Duration `json:"grace_window" mapstructure:"grace_window" yaml:"grace_window"`

	// UnknownFeature is "allow" or "deny" (default: "allow").
	UnknownFeature string `json:"unknown_feature" mapstructure:"unknown_feature" yaml:"unknown_feature"`

	// WebhookSecret enables HMAC verification of provider deliveries.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// UserHeader is a trusted request header carrying the user id, for
	// deployments without auth middleware.
	UserHeader string `json:"user_header" mapstructure:"user_header" yaml:"user_header"`

	// GroveDriver selects the store built over the grove.DB passed with
	// WithGroveDatabase: "postgres", "sqlite" or "mongo".
	GroveDriver string `json:"grove_driver" mapstructure:"grove_driver" yaml:"grove_driver"`

	// RedisAddr moves usage counters to Redis when set.
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `json:"redis_prefix" mapstructure:"redis_prefix" yaml:"redis_prefix"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:       "/tally",
		GraceWindow:    7 * 24 * time.Hour,
		UnknownFeature: "allow",
	}
}
