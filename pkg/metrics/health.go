package metrics

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"
)

// ProbeTimeout bounds one probe run by a health request
const ProbeTimeout = 2 * time.Second

// HealthStatus is the body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// CriticalComponents must be registered and healthy before the process
// reports ready
var CriticalComponents = []string{"store", "cache", "cwmp"}

// Probe checks a backend on demand. A nil error is healthy.
type Probe func(ctx context.Context) error

type componentState struct {
	healthy bool
	message string
}

// registry holds pushed component states and pulled probes. A probe wins
// over a pushed state of the same name.
type registry struct {
	mu         sync.RWMutex
	components map[string]componentState
	probes     map[string]Probe
	started    time.Time
	version    string
}

func newRegistry() *registry {
	return &registry{
		components: make(map[string]componentState),
		probes:     make(map[string]Probe),
		started:    time.Now(),
	}
}

var health = newRegistry()

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentState{healthy: healthy, message: message}
}

// UpdateComponent is RegisterComponent for a component already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RegisterProbe installs a probe evaluated on every health request
func RegisterProbe(name string, probe Probe) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.probes[name] = probe
}

// snapshot runs the probes outside the lock and merges them with the
// pushed states
func (r *registry) snapshot(ctx context.Context) (map[string]componentState, string, time.Time) {
	r.mu.RLock()
	states := maps.Clone(r.components)
	probes := maps.Clone(r.probes)
	version, started := r.version, r.started
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	for _, name := range slices.Sorted(maps.Keys(probes)) {
		if err := probes[name](ctx); err != nil {
			states[name] = componentState{message: err.Error()}
		} else {
			states[name] = componentState{healthy: true}
		}
	}
	return states, version, started
}

// GetHealth reports every component
func GetHealth() HealthStatus {
	return getHealth(context.Background())
}

func getHealth(ctx context.Context) HealthStatus {
	states, version, started := health.snapshot(ctx)

	status := "healthy"
	components := make(map[string]string, len(states))
	for name, st := range states {
		if st.healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + st.message
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    version,
		Uptime:     time.Since(started).String(),
	}
}

// GetReadiness reports whether every critical component is healthy
func GetReadiness() HealthStatus {
	return getReadiness(context.Background())
}

func getReadiness(ctx context.Context) HealthStatus {
	states, version, started := health.snapshot(ctx)

	status := "ready"
	message := ""
	components := make(map[string]string, len(CriticalComponents))
	for _, name := range CriticalComponents {
		st, ok := states[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !st.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + st.message
		default:
			components[name] = "ready"
		}
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    version,
		Uptime:     time.Since(started).String(),
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := getHealth(r.Context())
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := getReadiness(r.Context())
		code := http.StatusOK
		if h.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// LivenessHandler serves /live; it answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		started := health.started
		health.mu.RUnlock()
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).String(),
		})
	}
}
