package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"codeagent/internal/config"
	"codeagent/internal/server"
)

func newServeCommand() *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, func(cfg *config.Config) error {
				if !cmd.Flags().Changed("port") {
					return nil
				}
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
				return nil
			})
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(a.cfg, a.assistant, a.logger)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.Run(ctx)
			})
			g.Go(func() error {
				a.selection.RefreshModels(ctx)
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
