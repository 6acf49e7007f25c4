package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Version and VersionCommit hold the version information.
var (
	Version       = "0.1.0"
	VersionCommit = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		if rev, ok := lo.Find(info.Settings, func(s debug.BuildSetting) bool {
			return s.Key == "vcs.revision"
		}); ok {
			VersionCommit = rev.Value
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			if VersionCommit == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "wayback %s\n", Version)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wayback %s (%s)\n", Version, VersionCommit)
		},
	}
}
