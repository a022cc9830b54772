package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/integrity"
)

type verifyOptions struct {
	hash          string
	signaturePath string
	publicKeyPath string
	detached      bool
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "plugin:verify <path>",
		Short: "Check a plugin artifact against an expected hash and signature",
		Long: `plugin:verify hashes the artifact and compares it with --hash. With
--signature the JSON signature file is also checked against the trusted
signers from the config, or against --public-key when given. --detached
checks path.sig or path.asc with gpg instead. Any failure exits non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, root, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.hash, "hash", "", "Expected SHA-256 digest (64 hex characters)")
	cmd.Flags().StringVar(&opts.signaturePath, "signature", "", "Signature file written by plugin:sign")
	cmd.Flags().StringVar(&opts.publicKeyPath, "public-key", "", "Trust only this public key for --signature")
	cmd.Flags().BoolVar(&opts.detached, "detached", false, "Verify a detached gpg signature next to the artifact")
	return cmd
}

func runVerify(cmd *cobra.Command, root *rootOptions, path string, opts *verifyOptions) error {
	if opts.hash == "" && opts.signaturePath == "" && !opts.detached {
		return errors.New("nothing to verify: pass --hash, --signature or --detached")
	}
	out := cmd.OutOrStdout()

	if opts.hash != "" {
		ok, err := integrity.VerifyIntegrity(path, opts.hash)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		if !ok {
			actual, _ := integrity.GenerateHash(path)
			fmt.Fprintf(out, "FAIL  hash      %s\n", path)
			return &integrity.IntegrityCheckFailedError{Path: path, Expected: opts.hash, Actual: actual}
		}
		fmt.Fprintf(out, "PASS  hash      %s\n", path)
	}

	if opts.signaturePath == "" && !opts.detached {
		return nil
	}

	cfg, err := root.settings()
	if err != nil {
		return err
	}
	signers := cfg.Security.TrustedSigners
	expiration := time.Duration(cfg.Security.SignatureExpirationDays) * 24 * time.Hour

	var sig *integrity.Signature
	if opts.signaturePath != "" {
		data, err := os.ReadFile(opts.signaturePath)
		if err != nil {
			return fmt.Errorf("failed to read signature: %w", err)
		}
		sig = &integrity.Signature{}
		if err := json.Unmarshal(data, sig); err != nil {
			return fmt.Errorf("invalid signature file: %w", err)
		}
	}

	if opts.publicKeyPath != "" {
		if sig == nil {
			return errors.New("--public-key needs --signature")
		}
		key, err := os.ReadFile(opts.publicKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		signers = []integrity.TrustedSigner{{
			Name:       opts.publicKeyPath,
			KeyID:      sig.KeyID,
			PublicKey:  string(key),
			TrustLevel: integrity.TrustFull,
		}}
	}

	var verifier integrity.Verifier = integrity.NewKeyVerifier(expiration, time.Now)
	if opts.detached {
		verifier = integrity.NewDetachedVerifier(cfg.Security.GPGHome, expiration, time.Now)
	}

	keyID := ""
	if sig != nil {
		keyID = sig.KeyID
	}
	res := verifier.Verify(cmd.Context(), path, sig, signers)
	if err := res.Err(path, keyID); err != nil {
		fmt.Fprintf(out, "FAIL  signature %s: %s\n", path, res.Error)
		return err
	}

	signer := keyID
	if res.Signer != nil {
		signer = fmt.Sprintf("%s (%s)", res.Signer.Name, res.Signer.KeyID)
	}
	fmt.Fprintf(out, "PASS  signature %s signed by %s\n", path, signer)
	return nil
}
