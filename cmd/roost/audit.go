package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := s.manager.AuditTrail(limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tACTOR\tACTION\tRESOURCE\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.ResourceKind, e.ResourceID, e.Details)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().Int("limit", 50, "maximum entries to show")
}
