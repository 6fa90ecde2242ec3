package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an RS256 bearer token for the dispatch API",
	Long: `Sign a short-lived JWT with an RSA private key. The dispatcher accepts it when
JWT_PUBLIC_KEY_PATH points at the matching public key and issuer and audience agree.

Examples:
  dispatchctl token --key scheduler.pem --subject cron
  export JWT_TOKEN=$(dispatchctl token --key scheduler.pem --subject cron --ttl 5m)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pemBytes))
		if err != nil {
			return err
		}
		token, err := auth.SignToken(key, issuer, audience, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("key", "", "PEM RSA private key (required)")
	tokenCmd.Flags().String("issuer", "harbordispatch", "iss claim")
	tokenCmd.Flags().String("audience", "harbordispatch-dispatch", "aud claim")
	tokenCmd.Flags().String("subject", "dispatchctl", "sub claim, reported as the caller")
	tokenCmd.Flags().Duration("ttl", 15*time.Minute, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("key")
}
