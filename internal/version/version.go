// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the build metadata embedded in reports.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
