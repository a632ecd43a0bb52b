// Package version carries build metadata stamped in at link time.
package version

import "fmt"

// Overridden at release time with
// -ldflags "-X omr-grader/internal/version.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String formats the build triple for version output.
func String() string {
	return fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit)
}
