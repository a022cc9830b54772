package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/integrity"
)

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugin:hash <path>",
		Short: "Print the SHA-256 digest of a plugin artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  runHash,
	}
}

func runHash(cmd *cobra.Command, args []string) error {
	hash, err := integrity.GenerateHash(args[0])
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
