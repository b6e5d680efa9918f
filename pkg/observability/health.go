package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the rolled-up state of the gateway's dependencies.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Default per-check deadlines. The model lookup goes over the public
// internet, so it gets more room than the store ping.
const (
	storeCheckTimeout = 5 * time.Second
	modelCheckTimeout = 10 * time.Second
)

// HealthCheck is one dependency probe. A failing Critical check marks the
// gateway unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs the registered checks for the health endpoints.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckStatus is the outcome of a single check.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Critical bool         `json:"critical"`
	Duration string       `json:"duration"`
}

// SystemInfo is a process snapshot taken with each health response.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	NumCPU     int    `json:"num_cpu"`
	HeapMB     uint64 `json:"heap_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

var (
	startTime = time.Now()

	// Version is reported by the health endpoint; set with -ldflags.
	Version = "dev"
)

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]*HealthCheck)}
}

// RegisterCheck adds check, replacing any check with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = storeCheckTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check runs every registered check concurrently, so a slow model lookup
// does not delay the store result.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	overall := HealthStatusHealthy
	byName := make(map[string]CheckStatus, len(checks))
	for i, c := range checks {
		byName[c.Name] = results[i]
		switch results[i].Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Checks:    byName,
		System:    systemInfo(),
	}
}

func runCheck(ctx context.Context, c *HealthCheck) CheckStatus {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	err := c.CheckFunc(ctx)
	status := CheckStatus{
		Status:   HealthStatusHealthy,
		Message:  "OK",
		Critical: c.Critical,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		status.Status = HealthStatusDegraded
		if c.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}

// HealthHandler serves the full report. Degraded still answers 200.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		writeHealth(w, statusCode(resp.Status), resp)
	}
}

// LivenessHandler answers 200 as long as the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler takes the instance out of rotation only when a critical
// check fails.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		body := map[string]string{"status": "ready"}
		if resp.Status == HealthStatusUnhealthy {
			body["status"] = "not ready"
		}
		writeHealth(w, statusCode(resp.Status), body)
	}
}

func statusCode(s HealthStatus) int {
	if s == HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		HeapMB:     m.HeapAlloc >> 20,
		SysMB:      m.Sys >> 20,
	}
}

// StoreCheck reports the history store as a critical dependency: without
// it no message can be answered.
func StoreCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "history_store",
		CheckFunc: ping,
		Timeout:   storeCheckTimeout,
		Critical:  true,
	}
}

// ModelCheck reports a model lookup as a non-critical dependency.
func ModelCheck(name string, lookup func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      name,
		CheckFunc: lookup,
		Timeout:   modelCheckTimeout,
	}
}
