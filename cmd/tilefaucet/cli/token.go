package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tilefaucet/internal/service"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		admin   bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		Example: `  tilefaucet token --subject web-map --ttl 720h
  tilefaucet token --subject ops --admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			authSvc := service.NewAuthService(cfg.Auth.JWTSecret)
			tok, err := authSvc.IssueJWT(context.Background(), subject, admin, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "tilefaucet", "Token subject")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin claim (required for /_refresh when admin_only_refresh is set)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
