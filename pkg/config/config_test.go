package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "finpilot.db", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.SurfaceTimeout)
	assert.Equal(t, 10, cfg.ExecLimit)
	assert.Equal(t, time.Minute, cfg.ExecWindow)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("EXEC_RATE_LIMIT", "25")
	t.Setenv("SURFACE_TIMEOUT", "5s")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 25, cfg.ExecLimit)
	assert.Equal(t, 5*time.Second, cfg.SurfaceTimeout)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("EXEC_RATE_LIMIT", "lots")
	t.Setenv("SURFACE_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 10, cfg.ExecLimit)
	assert.Equal(t, 30*time.Second, cfg.SurfaceTimeout)
}
