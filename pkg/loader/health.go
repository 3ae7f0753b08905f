package loader

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// HealthReport is the loader-level health payload: overall status, process
// uptime and memory, and the per-provider breakdown.
type HealthReport struct {
	Status    resources.HealthStatus              `json:"status"`
	UptimeMs  int64                               `json:"uptime_ms"`
	MemoryMB  float64                             `json:"memory_mb"`
	Providers map[string]resources.ProviderHealth `json:"providers"`
}

var statusRank = map[resources.HealthStatus]int{
	resources.StatusHealthy:     0,
	resources.StatusDegraded:    1,
	resources.StatusUnavailable: 2,
}

// Health returns the overall health snapshot. The worst enabled provider's
// status wins; a loader with no providers reports healthy.
func (l *Loader) Health(ctx context.Context) HealthReport {
	providers := l.registry.GetHealth(ctx)

	report := HealthReport{
		Status:    resources.StatusHealthy,
		UptimeMs:  l.clock().Sub(l.startedAt).Milliseconds(),
		Providers: providers,
	}

	for _, target := range l.registry.EnabledTargets() {
		health, ok := providers[target.Provider.Name()]
		if !ok {
			continue
		}
		if statusRank[health.Status] > statusRank[report.Status] {
			report.Status = health.Status
		}
	}

	report.MemoryMB = processMemoryMB(ctx)
	return report
}

func processMemoryMB(ctx context.Context) float64 {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		logger.G(ctx).WithError(err).Debug("failed to inspect own process")
		return 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || mem == nil {
		return 0
	}
	return float64(mem.RSS) / (1024 * 1024)
}
