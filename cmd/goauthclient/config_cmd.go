package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

const redacted = "<redacted>"

func newConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and lint warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			shown := cfg
			if shown.Expiry.VerifyKey != "" {
				shown.Expiry.VerifyKey = redacted
			}
			if shown.Refresh.OAuth2.ClientSecret != "" {
				shown.Refresh.OAuth2.ClientSecret = redacted
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(shown); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "invalid: %v\n", err)
			}
			for _, w := range cfg.Lint() {
				fmt.Fprintf(out, "warning [%s]: %s\n", w.Code, w.Message)
			}
			return nil
		},
	}
}
