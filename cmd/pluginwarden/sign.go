package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/integrity"
)

func newSignCmd() *cobra.Command {
	var keyPath, keyID, outPath string
	cmd := &cobra.Command{
		Use:   "plugin:sign <path>",
		Short: "Sign a plugin artifact with a private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				return errors.New("--key is required")
			}
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}

			sig, err := integrity.SignWithPrivateKey(args[0], key, keyID)
			if err != nil {
				return fmt.Errorf("failed to sign %s: %w", args[0], err)
			}
			data, err := json.MarshalIndent(sig, "", "  ")
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = args[0] + ".sig.json"
			}
			if err := os.WriteFile(outPath, append(data, '\n'), 0644); err != nil {
				return fmt.Errorf("failed to write signature: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed %s with key %s (%s)\nSignature written to %s\n",
				filepath.Base(args[0]), sig.KeyID, sig.Algorithm, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "PEM encoded private key")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key ID to record (derived from the key when empty)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Signature output file (default <path>.sig.json)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var algorithm, prefix string
	cmd := &cobra.Command{
		Use:   "plugin:keygen",
		Short: "Generate a signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPEM, pubPEM, err := integrity.GenerateKeyPair(algorithm)
			if err != nil {
				return err
			}
			pub, err := integrity.ParsePublicKey(string(pubPEM))
			if err != nil {
				return err
			}
			keyID, err := integrity.KeyID(pub)
			if err != nil {
				return err
			}

			if dir := filepath.Dir(prefix); dir != "" {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create key directory: %w", err)
				}
			}
			if err := os.WriteFile(prefix+".pem", privPEM, 0600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			if err := os.WriteFile(prefix+".pub", pubPEM, 0644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s.pem\n", prefix)
			fmt.Fprintf(out, "Public key:  %s.pub\n", prefix)
			fmt.Fprintf(out, "Key ID:      %s\n", keyID)
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", integrity.AlgorithmEd25519, "RSA-SHA256 or Ed25519")
	cmd.Flags().StringVar(&prefix, "out", "pluginwarden-signing", "Output path prefix for <prefix>.pem and <prefix>.pub")
	return cmd
}
