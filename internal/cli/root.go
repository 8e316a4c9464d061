package cli

import (
	"github.com/markus-barta/deskrelay/internal/agent"
	"github.com/spf13/cobra"
)

// RootCmd assembles the deskrelay command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "deskrelay",
		Short:   "Relay remote commands from a phone to a desktop automation backend",
		Version: agent.Version,
		Long: `deskrelay moves commands queued by a mobile client to the desktop that
should run them. Every command is executed at most once, no matter how many
desktops of the user are online or how many delivery paths observe it.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(AgentCmd())
	root.AddCommand(ServeCmd())
	root.AddCommand(SendCmd())
	root.AddCommand(RequeueCmd())
	root.AddCommand(ScriptCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(InstanceCmd())
	root.AddCommand(MigrateCmd())
	root.AddCommand(TokenCmd())
	return root
}
