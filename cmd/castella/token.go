package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/logging/audit"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage client bearer tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a signed bearer token",
		Long: `Issue an HS256 bearer token signed with auth.secret.

Scopes:
  read   download and stat files
  write  upload and delete files
  admin  everything, plus the /files, /drives and /stats routes

The token is printed to stdout.

Examples:
  castella token issue backup-job --scope write --ttl 720h
  curl -H "Authorization: Bearer $(castella token issue me --scope read)" http://127.0.0.1:1707/42`,
		Args: cobra.ExactArgs(1),
		RunE: runTokenIssue,
	}
	issueCmd.Flags().StringSlice("scope", []string{auth.ScopeRead}, "scopes to grant (read, write, admin)")
	issueCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.AddCommand(issueCmd)

	return tokenCmd
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringSlice("scope")
	scopes, err := auth.ParseScopes(raw...)
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tok, err := tokens(cfg)
	if err != nil {
		return err
	}

	token, expires, err := tok.Issue(args[0], scopes, ttl)
	if err != nil {
		return err
	}
	audit.NewLogger(log.Logger).LogToken(operator(), args[0], scopes, expires.UTC().Format(time.RFC3339))

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
