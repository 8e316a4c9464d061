package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/spf13/cobra"
)

// TokenCmd signs a bearer token with the server secret. Hosted setups get
// tokens from their auth provider; this is for self-hosted relays.
func TokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (self-hosted relays)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is required to issue tokens")
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			tok, err := auth.NewVerifier(cfg.Server.JWTSecret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
