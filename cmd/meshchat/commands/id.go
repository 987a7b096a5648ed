package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"meshchat/crypto"
)

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local user id, key fingerprint and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			privateKey, err := crypto.LoadPrivateKey(cfg.PrivateKeyPath)
			if err != nil {
				return fmt.Errorf("load identity (run `meshchat init` first): %w", err)
			}
			publicKey, err := crypto.MarshalPublicKey(&privateKey.PublicKey)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:      %s\n", cfg.UserID)
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey)))
			fmt.Fprintf(out, "Public Key:   %s\n", base64.StdEncoding.EncodeToString(publicKey))
			return nil
		},
	}
}
