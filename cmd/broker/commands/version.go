package commands

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
				GoVersion: runtime.Version(),
			}
			return printResult(cmd.OutOrStdout(), info, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Version:\t%s\n", info.Version)
				fmt.Fprintf(w, "Commit:\t%s\n", info.Commit)
				fmt.Fprintf(w, "Built:\t%s\n", info.BuildDate)
				fmt.Fprintf(w, "Go:\t%s\n", info.GoVersion)
			})
		},
	}
}
