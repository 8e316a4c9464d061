package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/spf13/cobra"
)

// ScriptCmd manages the stored scripts that script commands run.
func ScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Manage stored scripts",
	}
	cmd.AddCommand(scriptListCmd())
	cmd.AddCommand(scriptSaveCmd())
	cmd.AddCommand(scriptDeleteCmd())
	return cmd
}

// scriptClient builds an authenticated client and a request deadline.
func scriptClient() (*server.Client, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Agent.Token == "" {
		return nil, nil, nil, errors.New("agent.token is required to manage scripts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	return server.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token), ctx, cancel, nil
}

func scriptListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := scriptClient()
			if err != nil {
				return err
			}
			defer cancel()

			scripts, err := client.ListScripts(ctx)
			if err != nil {
				return err
			}
			if len(scripts) == 0 {
				fmt.Println("No scripts.")
				return nil
			}
			for _, sc := range scripts {
				state := color.New(color.FgGreen).Sprint("active  ")
				if !sc.IsActive {
					state = color.New(color.FgYellow).Sprint("inactive")
				}
				fmt.Printf("%s  %s  %-24s %d steps, run %d times\n", state, sc.ID, sc.Name, len(sc.Commands), sc.UsageCount)
				for _, step := range sc.Ordered() {
					mark := " "
					if !step.IsEnabled {
						mark = color.New(color.FgHiBlack).Sprint("-")
					}
					fmt.Printf("    %s %d. %s\n", mark, step.Order, step.Text)
				}
			}
			return nil
		},
	}
}

func scriptSaveCmd() *cobra.Command {
	var (
		id          string
		name        string
		description string
		inactive    bool
	)

	cmd := &cobra.Command{
		Use:   "save [step...]",
		Short: "Create a script, or replace one with --id",
		Example: `  deskrelay script save --name morning "open calendar" "open mail"
  deskrelay script save --id 6f1c... --name morning "open calendar"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &script.Request{Name: name, Description: description}
			if inactive {
				active := false
				req.IsActive = &active
			}
			for _, text := range args {
				req.Commands = append(req.Commands, script.StepRequest{Text: text})
			}
			if err := req.Validate(); err != nil {
				return err
			}

			client, ctx, cancel, err := scriptClient()
			if err != nil {
				return err
			}
			defer cancel()

			sc, err := client.SaveScript(ctx, id, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s saved %s (%s, %d steps)\n", color.New(color.FgGreen).Sprint("✓"), sc.ID, sc.Name, len(sc.Commands))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "replace the script with this id")
	cmd.Flags().StringVar(&name, "name", "", "script name")
	cmd.Flags().StringVar(&description, "description", "", "script description")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the script as inactive")
	return cmd
}

func scriptDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <script-id>",
		Short: "Delete a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := scriptClient()
			if err != nil {
				return err
			}
			defer cancel()

			if err := client.DeleteScript(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s deleted %s\n", color.New(color.FgGreen).Sprint("✓"), args[0])
			return nil
		},
	}
}
