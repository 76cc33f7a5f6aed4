//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package agent

func platformInfo() Platform {
	return fallbackPlatform()
}
