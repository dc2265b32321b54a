package observability

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSnapshot is a point-in-time view of the agent host's resources, shown
// next to per-session metrics so local-provider users still get a resource
// picture.
type HostSnapshot struct {
	Hostname    string
	Uptime      time.Duration
	CPUPct      float64
	MemUsed     uint64
	MemTotal    uint64
	DiskUsed    uint64
	DiskTotal   uint64
	NumCPU      int
	LoadSampled bool
}

// Snapshot collects host metrics. Each probe failing independently leaves
// its fields zero rather than failing the whole snapshot.
func Snapshot(ctx context.Context, dataDir string) (*HostSnapshot, error) {
	snap := &HostSnapshot{}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Uptime = time.Duration(info.Uptime) * time.Second
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.NumCPU = counts
	}
	// One short sampling window; enough for an interactive status command.
	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		snap.CPUPct = pcts[0]
		snap.LoadSampled = true
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsed = vm.Used
		snap.MemTotal = vm.Total
	}

	path := dataDir
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		snap.DiskUsed = du.Used
		snap.DiskTotal = du.Total
	}

	return snap, nil
}
