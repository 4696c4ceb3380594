package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents gates readiness: wormholed isn't ready to take
// traffic until its container driver, task manager and HTTP listener have
// all reported in. Order also governs which one GetReadiness blames first
// when more than one is down.
var criticalComponents = []string{"container_driver", "task_manager", "api"}

// componentHealth is the last-reported status of one subsystem.
type componentHealth struct {
	healthy bool
	message string
}

// registry is the process-wide health table every /health, /ready and
// /live response is built from. wormholed runs one subsystem set per
// process, so a single package-level instance is enough.
type registry struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	startTime  time.Time
	version    string
}

var reg = &registry{
	components: make(map[string]componentHealth),
	startTime:  time.Now(),
}

// SetVersion records the build version surfaced in health responses.
func SetVersion(version string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.version = version
}

// RegisterComponent records a subsystem's current health. Called both at
// startup (to announce a component as up) and whenever its health changes.
func RegisterComponent(name string, healthy bool, message string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.components[name] = componentHealth{healthy: healthy, message: message}
}

// HealthStatus is the {status,timestamp,components,...} shape returned by
// every health/readiness/liveness endpoint.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// describe renders one component's status line, or "not registered" if
// name was never reported.
func (r *registry) describe(name string) (string, bool) {
	comp, ok := r.components[name]
	switch {
	case !ok:
		return "not registered", false
	case !comp.healthy:
		return "unhealthy: " + comp.message, false
	default:
		return "healthy", true
	}
}

// GetHealth reports every component that has ever registered.
func GetHealth() HealthStatus {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(reg.components))
	for name := range reg.components {
		desc, healthy := reg.describe(name)
		components[name] = desc
		if !healthy {
			status = "unhealthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    reg.version,
		Uptime:     time.Since(reg.startTime).String(),
	}
}

// GetReadiness reports only the components that gate traffic.
func GetReadiness() HealthStatus {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		desc, healthy := reg.describe(name)
		components[name] = desc
		if !healthy && message == "" {
			status = "not_ready"
			message = "waiting for " + name
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    reg.version,
		Uptime:     time.Since(reg.startTime).String(),
	}
}

func writeHealthJSON(w http.ResponseWriter, status HealthStatus, okStatus string) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if status.Status != okStatus {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// HealthHandler serves /health: every registered component, healthy or not.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, GetHealth(), "healthy")
	}
}

// ReadyHandler serves /ready: only the components gating traffic.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, GetReadiness(), "ready")
	}
}

// LivenessHandler serves /live: the process is up, full stop. It never
// depends on the component registry, so it stays 200 even while every
// subsystem is still initializing.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(reg.startTime).String(),
		})
	}
}
