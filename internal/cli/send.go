package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/spf13/cobra"
)

// SendCmd queues a command the way the mobile client does.
func SendCmd() *cobra.Command {
	var (
		cmdType  string
		scriptID string
		mode     string
		target   string
		wait     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Queue a remote command for your desktop",
		Example: `  deskrelay send "open my calendar"
  deskrelay send --type manual --target desktop-1234 "lock the screen"
  deskrelay send --type script --script 6f1c... --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Agent.Token == "" {
				return errors.New("agent.token is required to send commands")
			}

			req := &command.Request{
				CommandType:       cmdType,
				CommandText:       strings.Join(args, " "),
				ScriptID:          scriptID,
				Mode:              mode,
				DesktopInstanceID: target,
			}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			client := server.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token)
			created, err := client.CreateCommand(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s queued %s (%s)\n", color.New(color.FgGreen).Sprint("✓"), created.CommandID, created.Status)

			if !wait {
				return nil
			}
			done, err := client.WaitCommand(ctx, created.CommandID, time.Second)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && done != nil {
					fmt.Printf("%s still %s after %s\n", color.New(color.FgYellow).Sprint("!"), done.Status, timeout)
					return nil
				}
				return err
			}
			printCommand(done)
			return nil
		},
	}

	cmd.Flags().StringVarP(&cmdType, "type", "t", string(command.TypeChat), "command type: chat, ai, agent, manual, script")
	cmd.Flags().StringVar(&scriptID, "script", "", "script id (for --type script)")
	cmd.Flags().StringVar(&mode, "mode", "", "backend execution mode")
	cmd.Flags().StringVar(&target, "target", "", "desktop instance id (default: any desktop)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the command to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait")
	return cmd
}

// printCommand renders a command row for humans.
func printCommand(c *command.RemoteCommand) {
	fmt.Printf("  Command:   %s\n", c.ID)
	fmt.Printf("  Type:      %s\n", c.Type)
	fmt.Printf("  Status:    %s\n", statusLabel(c.Status))
	if c.ClaimedBy != "" {
		fmt.Printf("  Desktop:   %s\n", c.ClaimedBy)
	}
	if c.ResultMessage != "" {
		fmt.Printf("  Result:    %s\n", c.ResultMessage)
	}
	if c.ErrorMessage != "" {
		fmt.Printf("  Error:     %s\n", color.New(color.FgRed).Sprint(c.ErrorMessage))
	}
	if len(c.ResultData) > 0 {
		var pretty json.RawMessage = c.ResultData
		if out, err := json.MarshalIndent(pretty, "  ", "  "); err == nil {
			fmt.Printf("  Data:      %s\n", out)
		}
	}
}

func statusLabel(s command.Status) string {
	switch s {
	case command.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case command.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case command.StatusExecuting:
		return color.New(color.FgBlue).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}
