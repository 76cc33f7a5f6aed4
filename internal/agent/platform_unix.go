//go:build linux || darwin || freebsd || netbsd || openbsd

package agent

import (
	"golang.org/x/sys/unix"
)

// platformInfo reports uname(2) sysname, release and version.
func platformInfo() Platform {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return fallbackPlatform()
	}
	return Platform{
		System:  unix.ByteSliceToString(u.Sysname[:]),
		Release: unix.ByteSliceToString(u.Release[:]),
		Version: unix.ByteSliceToString(u.Version[:]),
	}
}
