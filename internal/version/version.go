// Package version carries build metadata injected through -ldflags, e.g.
//
//	go build -ldflags "-X token-trader/internal/version.Version=v1.2.0" ./cmd/tokentrader
package version

import "fmt"

// Build metadata, overridden at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
