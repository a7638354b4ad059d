package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aspect-build/notion-mcp/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh 32-byte key for TOKEN_ENC_KEY or STATE_SIGNING_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, crypto.KeyLen)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			switch format {
			case "hex":
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			case "base64":
				fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			default:
				return fmt.Errorf("unknown format %q (want hex or base64)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "hex", "Output encoding: hex|base64")
	return cmd
}
