package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{UserHeader: "X-User"})
	assert.Equal(t, "/tally", cfg.BasePath)
	assert.Equal(t, 7*24*time.Hour, cfg.GraceWindow)
	assert.Equal(t, "allow", cfg.UnknownFeature)
	assert.Equal(t, "X-User", cfg.UserHeader)
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{BasePath: "/billing", UnknownFeature: "deny"}
	prog := Config{
		BasePath:       "/ignored",
		DisableMigrate: true,
		WebhookSecret:  "whsec",
		GraceWindow:    48 * time.Hour,
		RedisAddr:      "localhost:6379",
		RedisDB:        2,
	}

	cfg := mergeConfigurations(yaml, prog)
	assert.Equal(t, "/billing", cfg.BasePath)
	assert.Equal(t, "deny", cfg.UnknownFeature)
	assert.True(t, cfg.DisableMigrate)
	assert.False(t, cfg.DisableRoutes)
	assert.Equal(t, "whsec", cfg.WebhookSecret)
	assert.Equal(t, 48*time.Hour, cfg.GraceWindow)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestBuildStore(t *testing.T) {
	e := New()
	s, err := e.buildStore()
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	e = New(WithGroveDatabase(nil, "postgres"))
	s, err = e.buildStore()
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s, "nil db falls back to memory")

	e.groveDB = &grove.DB{}
	e.config.GroveDriver = "oracle"
	_, err = e.buildStore()
	assert.Error(t, err)
}

func TestBuildEngineOpts(t *testing.T) {
	e := New(WithConfig(mergeWithDefaults(Config{})), WithDisableMigrate())
	opts, err := e.buildEngineOpts()
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	e = New(WithUnknownFeature("sometimes"))
	_, err = e.buildEngineOpts()
	var ve tally.ValidationError
	assert.ErrorAs(t, err, &ve)
}
