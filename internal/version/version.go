// Package version holds build metadata set through -ldflags -X.
package version

import "fmt"

//nolint:gochecknoglobals // overwritten by the linker
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the build as "v (commit, date)".
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent identifies flowgate processes on outgoing gRPC connections.
func UserAgent(component string) string {
	return "flowgate-" + component + "/" + Version
}
