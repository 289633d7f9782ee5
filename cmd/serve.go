package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"tachyon-transfer/internal/api"
	"tachyon-transfer/internal/app"
	"tachyon-transfer/internal/logger"
	"tachyon-transfer/internal/security"
)

func newServeCmd() *cobra.Command {
	var (
		addr        string
		token       string
		allowRemote bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Shutdown()

			audit := security.NewAuditLogger(dataDir, a.Logger())
			defer audit.Close()

			srv := api.NewControlServer(a, audit, a.Logger(), api.WithPolicy(security.AccessPolicy{
				Token:       token,
				AllowRemote: allowRemote,
			}))
			a.LogEvents().SetSink(func(e logger.Entry) { srv.PublishLog(e) })
			defer a.LogEvents().SetSink(nil)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			app.WaitForSignals(ctx, cancel)

			PrintHeader("Control API on " + addr)
			return srv.Start(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", api.DefaultAddr, "Listen address")
	cmd.Flags().StringVar(&token, "token", "", "Require this value in the "+security.TokenHeader+" header")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "Accept requests from non-loopback clients")
	return cmd
}
