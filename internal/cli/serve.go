package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := setupLogger(rt.cfg.Log, rt.debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gw, err := buildGateway(ctx, rt.cfg, log, rt.debug)
			if err != nil {
				return err
			}
			defer gw.Close()

			log.Sugar().Infow("Starting clinicguard",
				"listen", rt.cfg.Server.Listen,
				"store", rt.cfg.Store.Backend,
				"waf_mode", rt.cfg.WAF.Mode,
				"waf_enabled", rt.cfg.WAF.IsEnabled())
			return gw.Run(ctx)
		},
	}
}
