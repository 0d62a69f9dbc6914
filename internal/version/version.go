// Package version exposes build-time version information.
//
// Values are injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/HerbHall/azurechat/internal/version.Version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a one-line human-readable version description.
func Info() string {
	return fmt.Sprintf("azurechat %s (commit %s, built %s, %s/%s)",
		Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// Map returns the version fields keyed by name, for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
