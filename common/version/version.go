// Package version exposes the spine binary's build metadata, stamped at
// release time via ldflags and printed in the startup banner.
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns the banner line, e.g. "v1.2.0 (abc1234) built at 2026-08-01".
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
