package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/markus-barta/deskrelay/internal/identity"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// InstanceCmd prints this desktop's instance id or lists the user's
// desktops.
func InstanceCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Show this desktop's instance id, or list all desktops with --list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !list {
				id, err := identity.NewProvider(cfg.Agent.StateDir, zerolog.Nop()).GetOrCreate()
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			instances, err := server.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token).ListInstances(ctx)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Println("No desktops registered.")
				return nil
			}
			for _, inst := range instances {
				state := color.New(color.FgGreen).Sprint("active  ")
				if !inst.IsActive {
					state = color.New(color.FgYellow).Sprint("inactive")
				}
				fmt.Printf("%s  %s  %-20s %s/%s  v%s  last seen %s\n",
					state, inst.InstanceID, inst.DeviceName, inst.Platform, inst.Arch,
					inst.Version, inst.LastSeenAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list all desktops of the signed-in user")
	return cmd
}
