package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bulwarkhq/bulwark/internal/appid"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build details and linked dependency versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		writeVersion(cmd.OutOrStdout(), extended)
		return nil
	},
}

func writeVersion(w io.Writer, extended bool) {
	name := appid.Get().BinaryName
	_, _ = fmt.Fprintf(w, "%s %s\n", name, versionInfo.Version)
	if !extended {
		return
	}

	v := handlers.CurrentVersion()
	_, _ = fmt.Fprintf(w, "Commit: %s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(w, "Built: %s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(w, "Go: %s (%s)\n", v.App.GoVersion, v.Runtime.Platform)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Gofulmen: %s\n", v.Dependencies.Gofulmen)
	_, _ = fmt.Fprintf(w, "Crucible: %s\n", v.Dependencies.Crucible)

	paths := make([]string, 0, len(v.Dependencies.Modules))
	for path := range v.Dependencies.Modules {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		_, _ = fmt.Fprintf(w, "%s: %s\n", path, v.Dependencies.Modules[path])
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
