package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves/ui/internal/hoststate"
)

func newStateCommand(a *app) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Fetch and summarise the state the Jeeves process reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			state, err := hoststate.Fetch(cmd.Context(), client, a.settings.resolved.Endpoint)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			state.WriteSummary(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw state document")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP timeout")
	return cmd
}
