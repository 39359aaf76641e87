// Command reconmap is the reconnaissance console. See "reconmap --help".
package main

import "github.com/anstrom/reconmap/cmd/cli"

// Set by ldflags, e.g. -X main.version=v1.2.0.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
