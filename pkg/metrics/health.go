package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall states reported by /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of the /health and /ready responses
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// DefaultCriticalComponents must be registered and healthy for the daemon
// to report ready. Any other unhealthy component, such as an unreachable
// cloud endpoint, only degrades /health.
var DefaultCriticalComponents = []string{"pool", "storage", "api"}

// ComponentHealth is the last state reported by one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   map[string]bool
	startTime  time.Time
	version    string
}

var registry = newRegistry()

func newRegistry() *componentRegistry {
	r := &componentRegistry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
	r.setCritical(DefaultCriticalComponents)
	return r
}

func (r *componentRegistry) setCritical(names []string) {
	r.critical = make(map[string]bool, len(names))
	for _, n := range names {
		r.critical[n] = true
	}
}

func (r *componentRegistry) criticalNames() []string {
	names := make([]string, 0, len(r.critical))
	for n := range r.critical {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *componentRegistry) status(state string, components map[string]string, message string) HealthStatus {
	return HealthStatus{
		Status:     state,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Round(time.Second).String(),
		StartTime:  r.startTime,
	}
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.setCritical(names)
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// UpdateComponent records the state of a component, registering it on
// first use
func UpdateComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// RegisterComponent is UpdateComponent, named for the startup call sites
func RegisterComponent(name string, healthy bool, message string) {
	UpdateComponent(name, healthy, message)
}

// RemoveComponent forgets a component, e.g. a cluster that left the
// resource file
func RemoveComponent(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.components, name)
}

// GetHealth reports unhealthy when a critical component is down and
// degraded when only other components are
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	state := StatusHealthy
	components := make(map[string]string, len(registry.components))
	for name, comp := range registry.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		if registry.critical[name] {
			state = StatusUnhealthy
		} else if state == StatusHealthy {
			state = StatusDegraded
		}
	}
	return registry.status(state, components, "")
}

// GetReadiness reports ready once every critical component is registered
// and healthy
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	state := StatusReady
	message := ""
	components := make(map[string]string, len(registry.critical))
	for _, name := range registry.criticalNames() {
		comp, ok := registry.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
			continue
		}
		if state == StatusReady {
			state = StatusNotReady
			message = "waiting for " + name
		}
	}
	return registry.status(state, components, message)
}

func writeStatus(w http.ResponseWriter, ok bool, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		writeStatus(w, h.Status != StatusUnhealthy, h)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetReadiness()
		writeStatus(w, h.Status == StatusReady, h)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.startTime).Round(time.Second).String()
		registry.mu.RUnlock()
		writeStatus(w, true, map[string]string{"status": "alive", "uptime": uptime})
	}
}
