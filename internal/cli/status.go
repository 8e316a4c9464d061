package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/spf13/cobra"
)

// StatusCmd checks the relay server and the automation backend, or shows
// one command when an id is given.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [command-id]",
		Short: "Check connectivity, or show the state of a command",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			client := server.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token)

			if len(args) == 1 {
				c, err := client.GetCommand(ctx, args[0])
				if err != nil {
					return err
				}
				printCommand(c)
				if answers, err := client.ChatResponses(ctx, c.ID); err == nil {
					for _, a := range answers {
						fmt.Printf("  Chat:      %s\n", a.Message)
					}
				}
				return nil
			}

			ok := color.New(color.FgGreen).Sprint("✓")
			bad := color.New(color.FgRed).Sprint("✗")
			failed := false

			fmt.Printf("Relay server %s ... ", cfg.Agent.ServerURL)
			start := time.Now()
			if err := client.Health(ctx); err != nil {
				fmt.Printf("%s %v\n", bad, err)
				failed = true
			} else {
				fmt.Printf("%s OK (latency: %dms)\n", ok, time.Since(start).Milliseconds())
			}

			fmt.Printf("Automation backend %s ... ", cfg.Agent.BackendURL)
			b := backend.NewClient(backend.ClientConfig{BaseURL: cfg.Agent.BackendURL, Timeout: 10 * time.Second})
			st, err := b.Status(ctx)
			if err != nil {
				fmt.Printf("%s %v\n", bad, err)
				failed = true
			} else {
				fmt.Printf("%s %s (ai: %t, executed: %d, success rate: %.0f%%)\n",
					ok, st.Status, st.AIAvailable, st.CommandsExecuted, st.SuccessRate*100)
			}

			if failed {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}
