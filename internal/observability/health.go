package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

const probeTimeout = 2 * time.Second

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	check Probe
}

// HealthChecker backs /healthz and /readyz. The service is ready once startup
// recovery is done and every registered probe passes. Readiness changes are
// pushed to OnChange hooks (the gRPC health service).
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	onChange  []func(ready bool)
	probes    []namedProbe
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// AddProbe registers a dependency check for /readyz. Register before serving.
func (h *HealthChecker) AddProbe(name string, p Probe) {
	h.probes = append(h.probes, namedProbe{name: name, check: p})
}

// OnChange registers fn to run on every SetReady. Register before serving.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.onChange = append(h.onChange, fn)
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	for _, fn := range h.onChange {
		fn(ready)
	}
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": h.Uptime().String(),
	})
}

// ReadinessHandler answers 200 when ready and all probes pass, 503 otherwise
// with the failing probes listed.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	failed := make(map[string]string)
	for _, p := range h.probes {
		if err := p.check(ctx); err != nil {
			failed[p.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeHealth(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"failed": failed,
		})
		return
	}
	writeHealth(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
