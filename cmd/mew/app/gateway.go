package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mew-protocol/mew/pkg/api"
	"github.com/mew-protocol/mew/pkg/config"
	"github.com/mew-protocol/mew/pkg/gateway"
	"github.com/mew-protocol/mew/pkg/logger"
)

func newGatewayCmd() *cobra.Command {
	var (
		address     string
		spaceFiles  []string
		auditDir    string
		maxFileSize int64
		rateLimit   float64
		burst       int
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the space gateway",
		Long: `Run the authoritative gateway for one or more spaces. Participants connect
over websocket with a bearer token; the control plane exposes health and
roster endpoints and authenticated envelope injection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(spaceFiles) == 0 {
				return fmt.Errorf("at least one --space-config is required")
			}

			defs := make([]*config.Space, 0, len(spaceFiles))
			for _, path := range spaceFiles {
				def, err := config.LoadSpace(path)
				if err != nil {
					return fmt.Errorf("failed to load space config %s: %w", path, err)
				}
				defs = append(defs, def)
				logger.Infow("loaded space", "name", def.Name, "participants", len(def.Participants))
			}

			gw, err := gateway.New(defs, gateway.Options{
				Address:           address,
				AuditDir:          auditDir,
				AuditMaxFileSize:  maxFileSize,
				MessagesPerSecond: rateLimit,
				Burst:             burst,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return gw.Serve(ctx, api.NewRouter(gw))
		},
	}

	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8080", "Listen address for websocket and control plane")
	cmd.Flags().StringArrayVar(&spaceFiles, "space-config", nil, "Path to a space YAML definition (repeatable)")
	cmd.Flags().StringVar(&auditDir, "audit-dir", "", "Directory for per-space audit logs (empty disables)")
	cmd.Flags().Int64Var(&maxFileSize, "audit-max-file-size", 0, "Audit log rotation threshold in bytes (0 = default)")
	cmd.Flags().Float64Var(&rateLimit, "messages-per-second", 0, "Per-connection ingress quota (0 = unlimited)")
	cmd.Flags().IntVar(&burst, "burst", 0, "Ingress quota burst size")

	return cmd
}
