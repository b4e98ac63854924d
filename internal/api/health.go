package api

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HealthResponse reports process uptime and host resource usage for
// the daemon's liveness/readiness probe.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUCores      int     `json:"cpu_cores"`
	Load1Min      float64 `json:"load_1min"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemTotalMB    float64 `json:"mem_total_mb"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
}

type healthOutput struct {
	Body HealthResponse
}

func registerHealthHandler(api huma.API, startedAt time.Time, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/v1/healthz",
		Summary:     "Liveness and resource usage snapshot",
		Tags:        []string{"System"},
	}, func(_ context.Context, _ *struct{}) (*healthOutput, error) {
		resp := HealthResponse{
			Status:        "healthy",
			Version:       version,
			UptimeSeconds: time.Since(startedAt).Seconds(),
			CPUCores:      runtime.NumCPU(),
		}

		if avg, err := load.Avg(); err == nil && avg != nil {
			resp.Load1Min = avg.Load1
		}
		if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
			resp.MemUsedMB = float64(vm.Used) / 1024 / 1024
			resp.MemTotalMB = float64(vm.Total) / 1024 / 1024
		}
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				resp.ProcessRSSMB = float64(mi.RSS) / 1024 / 1024
			}
		}

		return &healthOutput{Body: resp}, nil
	})
}
