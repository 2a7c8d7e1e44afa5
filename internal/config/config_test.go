package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000, cfg.IterationThreshold)
	assert.Equal(t, 64, cfg.MaxDepth)
	assert.Equal(t, 5*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "coach:", cfg.RedisKeyPrefix)
	assert.Equal(t, "02.01.2006", cfg.DateLayout)
	assert.Equal(t, "default", cfg.DefaultInterventionID)

	engine := cfg.Engine()
	assert.Equal(t, cfg.ScriptTimeout, engine.RunTimeout)
	assert.Equal(t, cfg.CacheTTL, engine.Cache.TTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://coach@localhost/coach")
	t.Setenv("PORT", "9090")
	t.Setenv("COACH_REDIS_ADDR", "localhost:6379")
	t.Setenv("COACH_ITERATION_THRESHOLD", "50")
	t.Setenv("COACH_SCRIPT_TIMEOUT", "250ms")
	t.Setenv("COACH_TIME_ZONE", "Europe/Zurich")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://coach@localhost/coach", cfg.DatabaseURL)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 50, cfg.IterationThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.ScriptTimeout)

	iv := cfg.DefaultIntervention("demo")
	assert.Equal(t, "Europe/Zurich", iv.TimeZone)
	assert.Equal(t, "demo", iv.ID)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"not a number", "COACH_MAX_DEPTH", "deep", "parse env"},
		{"zero threshold", "COACH_ITERATION_THRESHOLD", "0", "iteration threshold"},
		{"bad zone", "COACH_TIME_ZONE", "Atlantis/Capital", "time zone"},
		{"negative ttl", "COACH_LOCK_TTL", "-1s", "negative"},
		{"no sampling", "COACH_LOG_SAMPLE_RATE", "0", "sample rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
