// Package version holds build metadata injected via ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human readable build description.
func Info() string {
	return fmt.Sprintf("browsercron %s (commit %s, built %s, %s/%s)", Version, Commit, BuildDate, runtime.GOOS, runtime.GOARCH)
}
