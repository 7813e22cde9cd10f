package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, ttl).GenerateToken(userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&email, "email", "", "optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default TOKEN_TTL)")
	cmd.MarkFlagRequired("user")
	return cmd
}
