package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/spf13/cobra"
)

// RequeueCmd puts a failed command back to pending.
func RequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <command-id>",
		Short: "Queue a failed command again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Agent.Token == "" {
				return errors.New("agent.token is required to requeue commands")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			c, err := server.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token).RequeueCommand(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s requeued %s (%s)\n", color.New(color.FgGreen).Sprint("✓"), c.ID, c.Status)
			return nil
		},
	}
}
