package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/plugin"
	"github.com/ayusman/pluginwarden/internal/policy"
)

func newLoadCmd(root *rootOptions) *cobra.Command {
	var (
		asJSON bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "plugin:load",
		Short: "Discover plugins and load them under the configured policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.openApp(approverFor(cmd, yes))
			if err != nil {
				return err
			}
			defer closeApp()

			loaded, loadErr := a.LoadPlugins(cmd.Context())
			if err := printLoaded(cmd, loaded, asJSON); err != nil {
				return err
			}
			return loadErr
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print load decisions as JSON")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every untrusted plugin without prompting")
	return cmd
}

// approverFor prompts on the terminal unless yes is set.
func approverFor(cmd *cobra.Command, yes bool) policy.Approver {
	if yes {
		return policy.ApproverFunc(func(ctx context.Context, req policy.ApprovalRequest) error {
			return nil
		})
	}
	in := cmd.InOrStdin()
	if in == os.Stdin {
		if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
			// Not a terminal: let the policy mode decide.
			return nil
		}
	}
	return newTerminalApprover(in, cmd.ErrOrStderr())
}

func printLoaded(cmd *cobra.Command, loaded []*plugin.Loaded, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		decisions := make([]*policy.Decision, 0, len(loaded))
		for _, l := range loaded {
			decisions = append(decisions, l.Decision)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(decisions)
	}

	if len(loaded) == 0 {
		fmt.Fprintln(out, "No plugins loaded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tVERSION\tRUNTIME\tTRUSTED\tCAPABILITIES")
	for _, l := range loaded {
		m := l.Plugin.Manifest
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", m.Name, m.Version, m.Kind(), l.Decision.Trusted, l.Decision.Capabilities)
	}
	return w.Flush()
}
