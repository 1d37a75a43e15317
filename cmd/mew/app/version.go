package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mew-protocol/mew/pkg/logger"
	"github.com/mew-protocol/mew/pkg/versions"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of mew",
		Long:  `Display detailed version information, including version number, git commit, build date, and Go version.`,
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()

			if jsonOutput {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					logger.Errorf("Error formatting version info: %v", err)
					return
				}
				fmt.Println(string(out))
				return
			}

			fmt.Printf("mew %s\n", info.Version)
			fmt.Printf("Commit: %s\n", info.Commit)
			fmt.Printf("Built: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform: %s\n", info.Platform)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}
