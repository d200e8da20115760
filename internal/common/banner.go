package common

import (
	"fmt"

	"github.com/ternarybob/banner"
)

// Build information, set via -ldflags
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// FullVersion returns version with build info
func FullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// PrintBanner displays the application banner
func PrintBanner() {
	banner.PrintSimple("NeuraReport", Version)
}
