package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blociq/docpipe/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API identity tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a bearer token for a user (signed with BLOCIQ_AUTH_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.close()
			if user == "" {
				return errors.New("--user is required")
			}
			if ttl <= 0 {
				ttl = e.cfg.TokenTTL
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.NewSigner(e.cfg.AuthSecret).Issue(user, ttl))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User id the token identifies")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to BLOCIQ_TOKEN_TTL)")
	return cmd
}
