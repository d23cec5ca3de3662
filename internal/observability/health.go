package observability

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RuleStatus is the readiness body: the rules currently served and those
// whose latest definition failed to build.
type RuleStatus struct {
	Status string   `json:"status"`
	Rules  []string `json:"rules"`
	Failed []string `json:"failed,omitempty"`
}

// HealthServer exposes /healthz, /readyz and /metrics for a long running
// rule host. It is not ready until the first rule set is reported.
type HealthServer struct {
	gatherer prometheus.Gatherer

	mu     sync.RWMutex
	ready  bool
	rules  []string
	failed []string
}

// NewHealthServer creates a health server. A nil gatherer disables /metrics.
func NewHealthServer(g prometheus.Gatherer) *HealthServer {
	return &HealthServer{gatherer: g}
}

// SetRules records the loaded rule set and marks the server ready.
func (h *HealthServer) SetRules(loaded, failed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = true
	h.rules = slices.Clone(loaded)
	h.failed = slices.Clone(failed)
}

// SetNotReady marks the server as not ready, e.g. during shutdown.
func (h *HealthServer) SetNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
}

// Handler returns an http.Handler serving the health, readiness and metrics
// endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	status := RuleStatus{Status: "ready", Rules: h.rules, Failed: h.failed}
	ready := h.ready
	h.mu.RUnlock()

	if status.Rules == nil {
		status.Rules = []string{}
	}
	if !ready {
		status.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
