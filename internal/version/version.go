package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders build information on a single line.
func String() string {
	return fmt.Sprintf("defi-agents %s (%s, %s)", Version, Commit, BuildDate)
}

// UserAgent is sent with outbound HTTP requests to market data providers.
func UserAgent() string {
	return "defi-agents/" + Version
}
