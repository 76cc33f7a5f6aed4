package agent

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// fallbackPlatform builds the platform block from gopsutil when uname is unavailable.
func fallbackPlatform() Platform {
	p := Platform{System: strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]}
	if info, err := host.Info(); err == nil && info != nil {
		p.Release = info.KernelVersion
		p.Version = info.PlatformVersion
	}
	return p
}
