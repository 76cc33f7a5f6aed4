// Package agent defines the telemetry payload the agent delivers and the host
// collector that produces it.
package agent

// TelemetryPayload is one snapshot of host metrics. It is built fresh for each
// delivery and never persisted.
type TelemetryPayload struct {
	// Timestamp is the UTC collection time in RFC 3339 form with a Z suffix.
	Timestamp string `json:"timestamp"`

	Hostname string `json:"hostname"`

	// MachineID is stamped by the scheduler from the identity resolver.
	MachineID string `json:"machine_id"`

	Platform Platform `json:"platform"`

	// CPUPercent is the overall CPU usage percentage (0-100).
	CPUPercent float64 `json:"cpu_percent"`

	CPUCountLogical  int `json:"cpu_count_logical"`
	CPUCountPhysical int `json:"cpu_count_physical"`

	Memory MemoryStats `json:"memory"`
	Disk   DiskStats   `json:"disk"`

	// LoadAvg is keyed "1", "5" and "15". It is empty where load averages are unavailable.
	LoadAvg map[string]float64 `json:"loadavg"`

	UptimeSeconds int64 `json:"uptime_seconds"`

	// IPv4 is the first non-loopback IPv4 address, or nil when none is found.
	IPv4 *string `json:"ipv4"`
}

// Platform describes the running kernel.
type Platform struct {
	System  string `json:"system"`
	Release string `json:"release"`
	Version string `json:"version"`
}

// MemoryStats holds virtual memory totals in bytes.
type MemoryStats struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
}

// DiskStats holds usage of the monitored mount point in bytes.
type DiskStats struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}
