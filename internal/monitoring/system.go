package monitoring

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats returns process-level resource usage for the agent status
// endpoint. Best-effort: fields are zero when the platform query fails.
func ProcessStats() map[string]any {
	stats := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats["heap_alloc_bytes"] = mem.HeapAlloc

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats["cpu_percent"] = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		stats["rss_bytes"] = mi.RSS
	}
	return stats
}
