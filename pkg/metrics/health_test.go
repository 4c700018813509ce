package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

func resetHealth(version string) {
	health = newRegistry()
	health.version = version
}

func TestGetHealth(t *testing.T) {
	resetHealth("1.0.0")
	RegisterComponent("store", true, "")
	RegisterComponent("cache", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	UpdateComponent("cache", false, "redis unreachable")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: redis unreachable", health.Components["cache"])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all critical ready", map[string]bool{"store": true, "cache": true, "cwmp": true}, "ready"},
		{"missing critical", map[string]bool{"store": true}, "not_ready"},
		{"critical unhealthy", map[string]bool{"store": true, "cache": false, "cwmp": true}, "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}
			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			if tt.want != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{
			name:    "health ok",
			setup:   func() { RegisterComponent("store", true, "") },
			handler: HealthHandler(),
			code:    http.StatusOK,
			status:  "healthy",
		},
		{
			name:    "health failing",
			setup:   func() { RegisterComponent("store", false, "disk full") },
			handler: HealthHandler(),
			code:    http.StatusServiceUnavailable,
			status:  "unhealthy",
		},
		{
			name: "ready",
			setup: func() {
				for _, c := range CriticalComponents {
					RegisterComponent(c, true, "")
				}
			},
			handler: ReadyHandler(),
			code:    http.StatusOK,
			status:  "ready",
		},
		{
			name:    "not ready",
			setup:   func() {},
			handler: ReadyHandler(),
			code:    http.StatusServiceUnavailable,
			status:  "not_ready",
		},
		{
			name:    "live",
			setup:   func() {},
			handler: LivenessHandler(),
			code:    http.StatusOK,
			status:  "alive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("test")
			tt.setup()

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, w.Code)
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestProbes(t *testing.T) {
	resetHealth("")
	RegisterComponent("cwmp", true, "serving")
	// a probe replaces a pushed state of the same name
	RegisterComponent("store", false, "stale")

	var storeErr error
	RegisterProbe("store", func(ctx context.Context) error { return storeErr })
	RegisterProbe("cache", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})

	assert.Equal(t, "ready", GetReadiness().Status)
	assert.Equal(t, "healthy", GetHealth().Status)

	storeErr = errors.New("connection refused")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: connection refused", readiness.Components["store"])
	assert.Equal(t, "unhealthy: connection refused", GetHealth().Components["store"])
}
