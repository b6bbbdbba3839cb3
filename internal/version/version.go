package version

import "fmt"

// Overridden at build time via -ldflags.
var (
	Version = "0.1.0-dev"
	Commit  = ""
)

func Get() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
