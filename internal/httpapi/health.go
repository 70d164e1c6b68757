package httpapi

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/civicbounty/service_layer/internal/httputil"
)

type memoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

type loadStats struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

type reconcileStats struct {
	LastRun   time.Time `json:"last_run"`
	Clean     bool      `json:"clean"`
	Drift     int       `json:"drift_users"`
	OpenFlags int       `json:"open_flags"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Time      time.Time       `json:"time"`
	Uptime    string          `json:"uptime"`
	Memory    *memoryStats    `json:"memory,omitempty"`
	Load      *loadStats      `json:"load,omitempty"`
	Reconcile *reconcileStats `json:"reconcile,omitempty"`
}

// handleHealth reports liveness with host stats. Stats the platform cannot provide are
// omitted. A reconciliation pass that needs attention marks the service degraded but it
// still answers 200.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Memory = &memoryStats{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedPercent:    vm.UsedPercent,
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load = &loadStats{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	if a.reconciler != nil {
		if last := a.reconciler.Last(); last != nil {
			resp.Reconcile = &reconcileStats{
				LastRun:   last.StartedAt,
				Clean:     last.Clean(),
				Drift:     len(last.Drift),
				OpenFlags: len(last.OpenFlags),
			}
			if !last.Clean() {
				resp.Status = "degraded"
			}
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
