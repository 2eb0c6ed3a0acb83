package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthRouter(checks map[string]HealthCheck) *gin.Engine {
	h := NewHealthHandler(checks, zerolog.Nop())
	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	r.GET("/health", h.Health)
	return r
}

func TestHealthAllUp(t *testing.T) {
	up := func(context.Context) error { return nil }
	w, env := do(t, healthRouter(map[string]HealthCheck{"postgres": up, "redis": up}), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	var report healthReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, map[string]string{"postgres": "up", "redis": "up"}, report.Dependencies)
	assert.NotEmpty(t, report.GoVersion)
}

func TestHealthDegradedWhenDependencyDown(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	w, env := do(t, healthRouter(checks), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var report healthReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Dependencies["redis"])
	assert.Equal(t, "up", report.Dependencies["postgres"])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m 42s", formatDuration(42*time.Second))
	assert.Equal(t, "2h 5m 0s", formatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "1d 3h 0m 1s", formatDuration(27*time.Hour+time.Second))
}
