// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for logs and -version output.
func String() string {
	return fmt.Sprintf("signsync %s (%s, built %s)", Version, GitSHA, BuildTime)
}
