package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aspect-build/notion-mcp/internal/version"
)

func main() {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:   "notion-mcp",
		Short: "OAuth 2.1 bridge exposing the Notion API as MCP tools",
		Long: `notion-mcp runs an OAuth 2.1 authorization server with PKCE in front of
Notion and serves Notion tools over MCP JSON-RPC at POST /mcp. Notion
credentials are kept in an encrypted vault and never reach the agent.

Running without a subcommand is the same as "notion-mcp serve".`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), &opts)
		},
	}
	rootCmd.SetVersionTemplate(version.String("notion-mcp") + "\n")

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (or LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable debug logs (same as --log-level debug)")

	rootCmd.AddCommand(newServeCmd(&opts))
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVaultCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
