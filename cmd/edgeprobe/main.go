// Command edgeprobe discovers and monitors fast CDN edge endpoints.
package main

import (
	"os"

	"github.com/anstrom/edgeprobe/cmd/cli"
	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	os.Exit(cli.Execute(apihandlers.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}))
}
