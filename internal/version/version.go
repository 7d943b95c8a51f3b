package version

import "fmt"

// Populated via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String renders the full version line.
func String() string {
	return fmt.Sprintf("alertscan %s (commit %s, built %s)", Version, Commit, BuildDate)
}
