package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

func TestFirstIPv4SkipsLoopbackAndIPv6(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}}},
		{Name: "eth0", Addrs: psnet.InterfaceAddrList{{Addr: "fe80::1/64"}, {Addr: "10.0.3.17/24"}}},
		{Name: "eth1", Addrs: psnet.InterfaceAddrList{{Addr: "192.168.1.5/24"}}},
	}

	if got := firstIPv4(ifaces); got != "10.0.3.17" {
		t.Errorf("firstIPv4() = %q, want 10.0.3.17", got)
	}
}

func TestFirstIPv4NoneFound(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
	}

	if got := firstIPv4(ifaces); got != "" {
		t.Errorf("firstIPv4() = %q, want empty", got)
	}
}

func TestHostCollectorCollect(t *testing.T) {
	c := NewHostCollector("/")
	c.CPUSample = 0
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	p, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if p.Timestamp != "2026-03-04T05:06:07.000000Z" {
		t.Errorf("unexpected timestamp %q", p.Timestamp)
	}
	if p.Hostname == "" {
		t.Error("expected hostname")
	}
	if p.MachineID != "" {
		t.Error("collector must leave machine id for the scheduler to stamp")
	}
	if p.Memory.Total == 0 {
		t.Error("expected non-zero memory total")
	}
	if p.Disk.Total == 0 {
		t.Error("expected non-zero disk total")
	}
	if p.CPUCountLogical <= 0 {
		t.Errorf("expected logical cpu count, got %d", p.CPUCountLogical)
	}
	if p.Platform.System == "" {
		t.Error("expected platform system")
	}
	if p.LoadAvg == nil {
		t.Error("expected non-nil load average map")
	}
}

func TestNewHostCollectorDefaultsDiskPath(t *testing.T) {
	if c := NewHostCollector(""); c.DiskPath != "/" {
		t.Errorf("expected default disk path '/', got %q", c.DiskPath)
	}
}

func TestPayloadJSONShape(t *testing.T) {
	ip := "10.0.0.2"
	p := TelemetryPayload{
		Timestamp: "2026-01-01T00:00:00.000000Z",
		Hostname:  "web-01",
		MachineID: "abc",
		LoadAvg:   map[string]float64{"1": 0.5, "5": 0.25, "15": 0.1},
		IPv4:      &ip,
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"machine_id":"abc"`, `"loadavg":{`, `"ipv4":"10.0.0.2"`, `"platform":{`, `"uptime_seconds":0`} {
		if !strings.Contains(s, key) {
			t.Errorf("expected %s in %s", key, s)
		}
	}

	p.IPv4 = nil
	data, _ = json.Marshal(p)
	if !strings.Contains(string(data), `"ipv4":null`) {
		t.Errorf("expected null ipv4, got %s", data)
	}
}
