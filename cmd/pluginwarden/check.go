package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plugin:check <name> <version>",
		Short: "Show whether a plugin version is trusted and what it may do",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, root, args[0], args[1], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, root *rootOptions, name, version string, asJSON bool) error {
	a, closeApp, err := root.openApp(nil)
	if err != nil {
		return err
	}
	defer closeApp()

	report := a.Check(cmd.Context(), name, version)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	status := "untrusted"
	if report.Trusted {
		status = "trusted"
	}
	fmt.Fprintf(out, "Plugin:       %s@%s\n", report.Plugin, report.Version)
	fmt.Fprintf(out, "Status:       %s (policy mode %s)\n", status, report.Mode)
	fmt.Fprintf(out, "Capabilities: %s\n", report.Capabilities)
	if report.Entry != nil && report.Entry.Hash != "" {
		fmt.Fprintf(out, "Pinned hash:  %s\n", report.Entry.Hash)
	}
	if report.Registry != nil {
		fmt.Fprintf(out, "Registry:     %s (verified by %s)\n", report.Registry.Hash, report.Registry.VerifiedBy)
	}
	return nil
}
