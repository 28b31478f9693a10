// Package version reports the build of policyrag.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time:
//
//	-ldflags "-X github.com/Aman-CERP/policyrag/pkg/version.Version=1.2.0"
var Version = "dev"

// Build metadata, also set via ldflags.
var (
	Commit = "unknown"
	Date   = "unknown"
)

// BuildInfo is the JSON form of the version.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("policyrag %s (commit: %s, built: %s, %s)",
		Version, Commit, Date, runtime.Version())
}

// GetInfo returns the build as a struct.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
