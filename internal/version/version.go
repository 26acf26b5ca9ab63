// Package version holds build-time version information injected via ldflags.
package version

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// UserAgent is the User-Agent header sent with every probe request.
func UserAgent() string {
	return "availprobe/" + Version
}

// String returns the human-readable build description.
func String() string {
	return fmt.Sprintf("availprobe %s (commit %s, built %s)", Version, Commit, Date)
}
