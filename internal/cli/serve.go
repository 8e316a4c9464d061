package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/spf13/cobra"
)

// ServeCmd runs the relay server.
func ServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (producer endpoint and realtime push)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}
			if err := cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, _, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := server.New(server.Config{
				ListenAddr:   cfg.Server.ListenAddr,
				LeaseTimeout: cfg.Server.LeaseTimeout,
				Retention:    cfg.Server.Retention,
				ReapInterval: cfg.Server.ReapInterval,
			}, st, auth.NewVerifier(cfg.Server.JWTSecret), log)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.listen_addr)")
	return cmd
}
