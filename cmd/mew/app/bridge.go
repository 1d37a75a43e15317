package app

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mew-protocol/mew/pkg/bridge"
	"github.com/mew-protocol/mew/pkg/client"
)

func newBridgeCmd() *cobra.Command {
	var (
		gatewayURL  string
		space       string
		token       string
		env         []string
		timeout     time.Duration
		maxRestarts uint
	)

	cmd := &cobra.Command{
		Use:   "bridge -- <command> [args...]",
		Short: "Run a stdio MCP server as a space participant",
		Long: `Spawn an MCP server subprocess speaking JSON-RPC over stdio and join it to
a space. Inbound mcp/request envelopes are relayed to the subprocess; its
notifications surface as system/log envelopes. The subprocess is restarted
with backoff if it exits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gatewayURL == "" || space == "" || token == "" {
				return fmt.Errorf("--gateway, --space and --token are required")
			}

			b := bridge.New(bridge.Options{
				Command: args[0],
				Args:    args[1:],
				Env:     env,
				Client: client.Options{
					URL:   gatewayURL,
					Space: space,
					Token: token,
				},
				RequestTimeout: timeout,
				MaxRestarts:    maxRestarts,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return b.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway websocket URL, e.g. ws://localhost:8080/ws")
	cmd.Flags().StringVar(&space, "space", "", "Space to join")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for this participant")
	cmd.Flags().StringArrayVar(&env, "env", nil, "Extra environment variables for the subprocess (KEY=VALUE, repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-request timeout for relayed MCP calls (0 = default 30s)")
	cmd.Flags().UintVar(&maxRestarts, "max-restarts", 0, "Maximum subprocess restart attempts (0 = default)")

	return cmd
}
