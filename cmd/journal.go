package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newJournalCommand(a *app) *cobra.Command {
	var (
		limit  int
		counts bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show messages recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			if j == nil {
				return errors.New("no journal configured (set journal_path or --journal)")
			}
			defer j.Close()

			w := cmd.OutOrStdout()
			if counts {
				byType, err := j.CountByType(cmd.Context())
				if err != nil {
					return err
				}
				types := make([]string, 0, len(byType))
				for t := range byType {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					name := t
					if name == "" {
						name = "(none)"
					}
					fmt.Fprintf(w, "%-24s %d\n", name, byType[t])
				}
				return nil
			}

			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "Journal is empty.")
				return nil
			}
			for _, e := range entries {
				typ := e.Type
				if typ == "" {
					typ = "-"
				}
				fmt.Fprintf(w, "%s  %-10s  %-20s  %s\n",
					e.ReceivedAt.Local().Format(time.DateTime), e.Outcome, typ, e.Raw)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show, newest first")
	cmd.Flags().BoolVar(&counts, "counts", false, "Show per-type counts instead of entries")
	return cmd
}
