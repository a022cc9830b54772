package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/policy"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		input     string
		inputFile string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "plugin:run <name>",
		Short: "Load plugins and run one of them in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(input)
			if inputFile != "" {
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				payload = data
			}
			if len(bytes.TrimSpace(payload)) == 0 {
				payload = []byte("{}")
			}
			if !json.Valid(payload) {
				return errors.New("input is not valid JSON")
			}

			a, closeApp, err := root.openApp(approverFor(cmd, yes))
			if err != nil {
				return err
			}
			defer closeApp()

			// Other plugins failing verification must not block this one;
			// a strict-mode refusal still aborts.
			if _, err := a.LoadPlugins(cmd.Context()); err != nil && errors.Is(err, policy.ErrUntrusted) {
				return err
			}

			result, err := a.Host().Run(cmd.Context(), args[0], json.RawMessage(payload))
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON input passed to the plugin")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Read the JSON input from a file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every untrusted plugin without prompting")
	return cmd
}
