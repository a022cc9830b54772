package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/store"
)

type auditOptions struct {
	filter string
	limit  int
	json   bool
}

func newAuditCmd(root *rootOptions) *cobra.Command {
	opts := &auditOptions{}
	cmd := &cobra.Command{
		Use:   "plugin:audit",
		Short: "Show the plugin audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only show one action: loaded, denied or capability_check")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Only show the most recent N entries")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print entries as JSON")
	return cmd
}

func runAudit(cmd *cobra.Command, root *rootOptions, opts *auditOptions) error {
	action := audit.Action(opts.filter)
	if action != "" && !action.Valid() {
		return fmt.Errorf("unknown audit action %q", opts.filter)
	}
	if opts.limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	cfg, err := root.settings()
	if err != nil {
		return err
	}
	s, err := store.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer s.Close()

	entries, err := s.Audit().List(audit.Filter{Action: action, Limit: opts.limit})
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.json {
		if entries == nil {
			entries = []audit.Entry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPLUGIN\tVERSION\tACTION\tTRUSTED\tCAPABILITIES\tREASON")
	for _, e := range entries {
		caps := "-"
		if e.Capabilities != nil {
			caps = e.Capabilities.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Plugin, e.Version, e.Action, e.Trusted, caps, e.Reason)
	}
	return w.Flush()
}
