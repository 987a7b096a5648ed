package commands

import (
	"encoding/base64"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"meshchat/config"
	"meshchat/crypto"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage statically configured peers",
	}
	cmd.AddCommand(peerAddCmd(), peerListCmd())
	return cmd
}

func peerAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <user-id> <public-key-base64> [host:port]",
		Short: "Trust a peer's public key and optionally record its address",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := decodePeerKey(args[1]); err != nil {
				return err
			}

			peer := config.StaticPeer{ID: args[0], PublicKey: args[1]}
			if len(args) == 3 {
				peer.Address = args[2]
			}
			cfg.UpsertPeer(peer)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added peer %s\n", peer.ID)
			return nil
		},
	}
}

func peerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List statically configured peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFINGERPRINT\tADDRESS")
			for _, peer := range cfg.Peers {
				fingerprint := "invalid key"
				if raw, err := decodePeerKey(peer.PublicKey); err == nil {
					fingerprint = crypto.FormatFingerprint(crypto.KeyFingerprint(raw))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", peer.ID, fingerprint, peer.Address)
			}
			return w.Flush()
		},
	}
}

// decodePeerKey decodes and validates a base64 uncompressed P-256 key.
func decodePeerKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if _, err := crypto.ParsePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
