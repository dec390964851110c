package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bulk-task-dispatcher/api"
	"bulk-task-dispatcher/internal/config"
)

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a bearer token for user-id signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// only the secret is needed, so the rest of the config is not validated
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}

			token, err := api.IssueToken([]byte(cfg.Auth.JWTSecret), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
