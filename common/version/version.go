// Package version carries the build identity stamped into the kioku
// binary at link time. The defaults mark a local, untagged build.
package version

var (
	// Version is the release tag (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info renders the build identity as a single human-readable line, used by
// the version subcommand and the admin health endpoint.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
