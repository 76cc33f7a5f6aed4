// Command sylon-agent samples host telemetry, delivers it to a collector and
// keeps its own program file up to date.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
