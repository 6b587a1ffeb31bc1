package jobs

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"jobqueue/internal/job"
)

var processStart = time.Now()

// SystemInfo is the output of system.info.
type SystemInfo struct {
	Hostname   string `json:"hostname"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	CPUs       int    `json:"cpus"`
	Goroutines int    `json:"goroutines"`
	Uptime     string `json:"uptime"`
	HeapAlloc  string `json:"heap_alloc"`
	Sys        string `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func registerSystem(reg *job.Registry) error {
	return reg.Register("system.info", systemInfo, "reports process runtime stats")
}

func systemInfo(context.Context, []any, map[string]any) (any, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	host, _ := os.Hostname()
	return SystemInfo{
		Hostname:   host,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(processStart).Round(time.Second).String(),
		HeapAlloc:  humanize.IBytes(m.HeapAlloc),
		Sys:        humanize.IBytes(m.Sys),
		NumGC:      m.NumGC,
	}, nil
}
