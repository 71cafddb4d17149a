package servers

import (
	"context"
	"log/slog"
	"time"
)

// Prober checks whether an agent-server answers on its health endpoint.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HealthMonitor periodically probes every running server and moves servers
// that fail threshold consecutive probes to StatusError.
type HealthMonitor struct {
	registry  *Registry
	prober    Prober
	interval  time.Duration
	threshold int
}

// NewHealthMonitor creates a monitor. Zero interval/threshold fall back to 30s / 3.
func NewHealthMonitor(registry *Registry, prober Prober, interval time.Duration, threshold int) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		registry:  registry,
		prober:    prober,
		interval:  interval,
		threshold: threshold,
	}
}

// Run probes on every tick until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probe round.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	for _, s := range h.registry.All() {
		if s.Status != StatusRunning {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := h.prober.Probe(pctx, s.URL)
		cancel()

		info, rerr := h.registry.RecordHealth(s.ProjectPath, err == nil, time.Now())
		if rerr != nil {
			slog.Warn("servers.health_record_failed", "project", s.ProjectPath, "error", rerr)
			continue
		}
		if err == nil {
			continue
		}
		slog.Warn("servers.health_failed",
			"project", s.ProjectPath,
			"failures", info.ConsecutiveFailures,
			"error", err,
		)
		if info.ConsecutiveFailures >= h.threshold {
			if uerr := h.registry.UpdateStatus(s.ProjectPath, StatusError); uerr != nil {
				slog.Warn("servers.status_update_failed", "project", s.ProjectPath, "error", uerr)
			}
		}
	}
}
