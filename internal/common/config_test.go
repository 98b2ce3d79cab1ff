package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8190, config.Server.Port)
	assert.Equal(t, 3, config.Queue.DefaultMaxAttempts)
	assert.Equal(t, "exponential", config.Queue.DefaultBackoff.Kind)
}

func TestLoadFromFilesLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perago.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment = "production"

[server]
port = 9000

[queue]
concurrency = 8

[queue.default_backoff]
kind = "fixed"
delay = "5s"
`), 0644))

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 8, config.Queue.Concurrency)
	assert.Equal(t, "fixed", config.Queue.DefaultBackoff.Kind)
	assert.Equal(t, "5s", config.Queue.DefaultBackoff.Delay)
	// Untouched sections keep their defaults
	assert.Equal(t, 3, config.Queue.DefaultMaxAttempts)
	assert.Equal(t, "localhost", config.Server.Host)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("PERAGO_PORT", "9100")
	t.Setenv("PERAGO_LOG_LEVEL", "debug")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	config := DefaultConfig()
	config.Environment = "staging"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Queue.Concurrency = 0
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Queue.PollInterval = "not-a-duration"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Breaker.ErrorThresholdPercentage = 150
	assert.Error(t, config.Validate())
}

func TestApplyFlagOverrides(t *testing.T) {
	config := DefaultConfig()
	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8190, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)

	ApplyFlagOverrides(config, 9999, "0.0.0.0")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("garbage", time.Minute))
}
