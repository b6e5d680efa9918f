package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"
)

// DefaultSystemMetricsSchedule refreshes the runtime gauges every 15 seconds.
const DefaultSystemMetricsSchedule = "@every 15s"

// RegisterRoutes mounts the health and metrics endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, checker *HealthChecker, metrics bool) {
	mux.HandleFunc("GET /health", checker.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadinessHandler())

	if metrics {
		mux.Handle("GET /metrics", MetricsHandler())
	}
}

// RunSystemMetrics refreshes the goroutine and memory gauges on the given
// cron schedule until ctx is done.
func RunSystemMetrics(ctx context.Context, schedule string, logger *slog.Logger) error {
	if schedule == "" {
		schedule = DefaultSystemMetricsSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, RefreshSystemMetrics); err != nil {
		return fmt.Errorf("invalid system metrics schedule %q: %w", schedule, err)
	}

	RefreshSystemMetrics()
	c.Start()
	logger.Debug("system metrics refresher started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
