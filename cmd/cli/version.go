package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
)

func versionString(b apihandlers.BuildInfo) string {
	v := b.Version
	if v == "" {
		v = "dev"
	}
	commit := b.Commit
	if commit == "" {
		commit = "unknown"
	}
	built := b.BuildTime
	if built == "" {
		built = "unknown"
	}
	return fmt.Sprintf("%s (commit %s, built %s)", v, commit, built)
}

func (a *app) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "edgeprobe %s\n", versionString(a.build))
			fmt.Fprintf(a.out, "go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
