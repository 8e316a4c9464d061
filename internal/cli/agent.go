package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/deskrelay/internal/agent"
	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/config"
	"github.com/markus-barta/deskrelay/internal/identity"
	"github.com/markus-barta/deskrelay/internal/realtime"
	"github.com/markus-barta/deskrelay/internal/relay"
	"github.com/markus-barta/deskrelay/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// AgentCmd runs the desktop agent.
func AgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the desktop agent that claims and executes remote commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateAgent(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, pg, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			who, err := auth.IdentityFromToken(cfg.Agent.Token)
			if err != nil {
				return err
			}
			session := auth.NewSession()
			session.SignIn(who)

			log.Info().
				Str("version", agent.Version).
				Str("user_id", who.UserID).
				Str("push", cfg.Agent.Push).
				Str("backend", cfg.Agent.BackendURL).
				Msg("deskrelay agent starting")

			a := agent.New(agent.Config{
				DeviceName:        cfg.Agent.DeviceName,
				HeartbeatInterval: cfg.Agent.HeartbeatInterval,
				PollInterval:      cfg.Agent.PollInterval,
				MaxConcurrent:     cfg.Agent.MaxConcurrent,
				SeenCapacity:      cfg.Agent.SeenCapacity,
				Hooks:             logHooks(log),
			},
				session,
				identity.NewProvider(cfg.Agent.StateDir, log),
				st,
				backend.NewClient(backend.ClientConfig{BaseURL: cfg.Agent.BackendURL, Timeout: cfg.Agent.BackendTimeout}),
				feedFactory(cfg, session, pg, log),
				log,
			)
			return a.Run(ctx)
		},
	}
}

// feedFactory picks the push transport. The websocket client reads the
// token from the session on every reconnect.
func feedFactory(cfg *config.Config, session *auth.Session, pg *postgres.Store, log zerolog.Logger) agent.FeedFactory {
	return func(id auth.Identity) relay.Feed {
		switch cfg.Agent.Push {
		case config.PushWebSocket:
			return realtime.NewClient(cfg.Agent.WebSocketURL(), func() (string, error) {
				cur, err := session.Current()
				return cur.Token, err
			}, log)
		case config.PushPostgres:
			if pg != nil {
				return postgres.NewListener(pg, log)
			}
		}
		return nil
	}
}

// logHooks renders relay lifecycle events into the log.
func logHooks(log zerolog.Logger) relay.Hooks {
	log = log.With().Str("component", "status").Logger()
	return relay.Hooks{
		OnCommandReceived: func(cmd *command.RemoteCommand) {
			log.Info().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("received remote command")
		},
		OnCommandExecuted: func(cmd *command.RemoteCommand, out command.Outcome) {
			log.Info().Str("command_id", cmd.ID).Str("result", out.Message).Msg("remote command done")
		},
		OnError: func(cmd *command.RemoteCommand, err error) {
			ev := log.Warn().Err(err)
			if cmd != nil {
				ev = ev.Str("command_id", cmd.ID)
			}
			ev.Msg("relay error")
		},
	}
}
