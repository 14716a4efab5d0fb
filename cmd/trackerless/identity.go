package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/debswarm/trackerless/internal/p2p"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage node identity",
		Long: `Manage the persistent identity key for this node.

The identity key determines the node's peer ID and therefore its position
in the DHT. It is created on first daemon start.`,
	}

	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityRegenerateCmd())

	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current identity information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			keyPath := cfg.Network.IdentityPath
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Node Identity\n")
			fmt.Fprintf(out, "══════════════════════════════════════\n")

			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				fmt.Fprintf(out, "Status:      No persistent identity\n")
				fmt.Fprintf(out, "Key File:    %s (not created yet)\n", keyPath)
				return nil
			}

			privKey, err := p2p.LoadIdentity(keyPath)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}
			fmt.Fprintf(out, "Peer ID:     %s\n", p2p.IdentityFingerprint(privKey))
			fmt.Fprintf(out, "Key File:    %s\n", keyPath)
			fmt.Fprintf(out, "Key Type:    Ed25519\n")
			return nil
		},
	}
}

func identityRegenerateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate the identity key (WARNING: changes peer ID)",
		Long: `Generate a new identity key, replacing the existing one.

WARNING: This changes the peer ID. Provider records published under the
old ID stay in the DHT until they expire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			keyPath := cfg.Network.IdentityPath

			if _, err := os.Stat(keyPath); err == nil && !force {
				if privKey, err := p2p.LoadIdentity(keyPath); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Current Peer ID: %s\n\n", p2p.IdentityFingerprint(privKey))
				}
				return fmt.Errorf("identity file exists at %s\n\nUse --force to regenerate (this will change your peer ID)", keyPath)
			}

			if err := ensureParent(keyPath); err != nil {
				return err
			}
			privKey, err := p2p.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := p2p.SaveIdentity(privKey, keyPath); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "New Identity Generated\n")
			fmt.Fprintf(out, "══════════════════════════════════════\n")
			fmt.Fprintf(out, "Peer ID:     %s\n", p2p.IdentityFingerprint(privKey))
			fmt.Fprintf(out, "Key File:    %s\n", keyPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Force regeneration even if identity exists")

	return cmd
}
