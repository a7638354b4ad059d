package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspect-build/notion-mcp/internal/redact"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

func newVaultCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect or maintain the encrypted token vault",
	}
	cmd.AddCommand(newVaultInspectCmd(opts))
	cmd.AddCommand(newVaultPruneCmd(opts))
	return cmd
}

type sessionSummary struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	Scope            string    `json:"scope"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
	Workspace        string    `json:"workspace"`
	WorkspaceID      string    `json:"workspace_id"`
	BotID            string    `json:"bot_id"`
	NotionToken      string    `json:"notion_access_token"`
	NotionExpiresAt  time.Time `json:"notion_expires_at"`
}

type vaultSummary struct {
	Version  int              `json:"version"`
	Clients  []vault.Client   `json:"clients"`
	Sessions []sessionSummary `json:"sessions"`
}

func newVaultInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Decrypt the vault and print clients and sessions with tokens redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			key, err := existingVaultKey(cfg)
			if err != nil {
				return err
			}
			v, err := vault.Load(cfg.TokenStorePath, key)
			if err != nil {
				return err
			}

			summary := vaultSummary{Version: v.Version, Clients: v.Clients, Sessions: []sessionSummary{}}
			var tokens []string
			for _, t := range v.Tokens {
				tokens = append(tokens, t.AccessToken, t.RefreshToken, t.Upstream.AccessToken, t.Upstream.RefreshToken)
				summary.Sessions = append(summary.Sessions, sessionSummary{
					ID:               t.ID,
					ClientID:         t.ClientID,
					Scope:            t.Scope,
					AccessToken:      t.AccessToken,
					RefreshToken:     t.RefreshToken,
					AccessExpiresAt:  t.AccessExpiresAt.Time().UTC(),
					RefreshExpiresAt: t.RefreshExpiresAt.Time().UTC(),
					LastUsedAt:       t.LastUsedAt,
					Workspace:        t.Upstream.WorkspaceName,
					WorkspaceID:      t.Upstream.WorkspaceID,
					BotID:            t.Upstream.BotID,
					NotionToken:      t.Upstream.AccessToken,
					NotionExpiresAt:  t.Upstream.ExpiresAt.Time().UTC(),
				})
			}

			w := redact.NewWriter(cmd.OutOrStdout(), tokens...)
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			return w.Flush()
		},
	}
}

func newVaultPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions whose refresh token has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			key, err := existingVaultKey(cfg)
			if err != nil {
				return err
			}
			store, err := vault.Open(cfg.TokenStorePath, key)
			if errors.Is(err, vault.ErrLocked) {
				return fmt.Errorf("vault %s is in use by a running server; stop it first", cfg.TokenStorePath)
			}
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired session(s)\n", n)
			return nil
		},
	}
}
