// Package app provides the entry point for the mew command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mew-protocol/mew/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mew",
	DisableAutoGenTag: true,
	Short:             "mew runs multi-entity workspaces for humans, agents, and tools",
	Long: `mew hosts coordination spaces where humans, AI agents, and MCP tool servers
exchange envelopes under capability control. The gateway subcommand runs the
authoritative router; the bridge subcommand adapts a stdio MCP server into a
space participant.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the MEW CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newGatewayCmd())
	rootCmd.AddCommand(newBridgeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
