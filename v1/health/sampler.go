package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a resource snapshot in percent.
type Usage struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// ResourceSampler reads current resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler samples the host with gopsutil.
type SystemSampler struct {
	// DiskPath is the mount point checked for disk usage. Defaults to "/".
	DiskPath string
	// CPUWindow is how long CPU usage is measured over. Defaults to 1s.
	CPUWindow time.Duration
}

// Sample implements ResourceSampler.
func (s SystemSampler) Sample(ctx context.Context) (Usage, error) {
	window := s.CPUWindow
	if window <= 0 {
		window = time.Second
	}
	path := s.DiskPath
	if path == "" {
		path = "/"
	}

	var u Usage
	pct, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return u, err
	}
	if len(pct) > 0 {
		u.CPU = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, err
	}
	u.Memory = vm.UsedPercent
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return u, err
	}
	u.Disk = du.UsedPercent
	return u, nil
}
