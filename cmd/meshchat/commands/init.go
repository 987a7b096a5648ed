package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshchat/config"
	"meshchat/crypto"
)

func initCmd() *cobra.Command {
	var (
		userID    string
		name      string
		listen    string
		discovery bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the node config, identity key and mesh packet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadOrCreate(dataDir)
			if err != nil {
				return err
			}
			if userID != "" {
				cfg.UserID = strings.TrimSpace(userID)
			}
			if name != "" {
				cfg.DisplayName = name
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			if cmd.Flags().Changed("discovery") {
				cfg.Discovery = discovery
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}

			privateKey, err := crypto.EnsurePrivateKey(cfg.PrivateKeyPath)
			if err != nil {
				return err
			}
			if _, err := crypto.EnsurePacketKey(cfg.PacketKeyPath); err != nil {
				return err
			}
			publicKey, err := crypto.MarshalPublicKey(&privateKey.PublicKey)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:      %s\n", cfg.UserID)
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey)))
			fmt.Fprintf(out, "Config File:  %s\n", path)
			fmt.Fprintf(out, "Packet Key:   %s (copy this file to every node of the mesh)\n", cfg.PacketKeyPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "local user id")
	cmd.Flags().StringVar(&name, "name", "", "display name announced on the LAN")
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address")
	cmd.Flags().BoolVar(&discovery, "discovery", false, "enable mDNS discovery")
	return cmd
}
