package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Source produces telemetry payloads.
type Source interface {
	Collect(ctx context.Context) (*TelemetryPayload, error)
}

// HostCollector samples the local host with gopsutil.
type HostCollector struct {
	// DiskPath is the mount point reported in the disk section.
	DiskPath string

	// CPUSample is the window cpu.Percent measures over.
	CPUSample time.Duration

	now func() time.Time
}

// NewHostCollector returns a collector reporting disk usage for diskPath.
func NewHostCollector(diskPath string) *HostCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostCollector{
		DiskPath:  diskPath,
		CPUSample: time.Second,
		now:       time.Now,
	}
}

// Collect builds a payload. Memory, disk and CPU are required; a failure there is
// returned. Load average, uptime and the IPv4 address are best-effort.
func (c *HostCollector) Collect(ctx context.Context) (*TelemetryPayload, error) {
	p := &TelemetryPayload{
		Timestamp: c.now().UTC().Format("2006-01-02T15:04:05.000000") + "Z",
		Platform:  platformInfo(),
		LoadAvg:   map[string]float64{},
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	p.Hostname = hostname

	percents, err := cpu.PercentWithContext(ctx, c.CPUSample, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(percents) > 0 {
		p.CPUPercent = percents[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		p.CPUCountLogical = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		p.CPUCountPhysical = n
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	p.Memory = MemoryStats{
		Total:     vm.Total,
		Available: vm.Available,
		Percent:   vm.UsedPercent,
	}

	du, err := disk.UsageWithContext(ctx, c.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage for %s: %w", c.DiskPath, err)
	}
	p.Disk = DiskStats{
		Total:   du.Total,
		Used:    du.Used,
		Free:    du.Free,
		Percent: du.UsedPercent,
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		p.LoadAvg["1"] = avg.Load1
		p.LoadAvg["5"] = avg.Load5
		p.LoadAvg["15"] = avg.Load15
	}

	if boot, err := host.BootTimeWithContext(ctx); err == nil && boot > 0 {
		p.UptimeSeconds = c.now().Unix() - int64(boot)
	}

	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		if ip := firstIPv4(ifaces); ip != "" {
			p.IPv4 = &ip
		}
	}

	return p, nil
}

// firstIPv4 returns the first IPv4 address outside 127.0.0.0/8.
func firstIPv4(ifaces psnet.InterfaceStatList) string {
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip := addr.Addr
			if i := strings.IndexByte(ip, '/'); i >= 0 {
				ip = ip[:i]
			}
			parsed := net.ParseIP(ip)
			if parsed == nil || parsed.To4() == nil {
				continue
			}
			if strings.HasPrefix(ip, "127.") {
				continue
			}
			return ip
		}
	}
	return ""
}
