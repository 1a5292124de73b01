package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roost-io/roost/pkg/manager"
	"github.com/roost-io/roost/pkg/types"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage application backups",
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd)
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <app-id|hostname>",
	Short: "Create a manual backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd.Context(), args[0], manager.ActionBackup, manager.ActionParams{Actor: "cli"})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list <app-id|hostname>",
	Short: "List the backups of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		appID, err := resolveApp(s, args[0])
		if err != nil {
			return err
		}
		backups, err := s.manager.Backups(appID)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("no backups")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSIZE\tSTORAGE\tCREATED")
		for _, b := range backups {
			status := string(b.Status)
			switch b.Status {
			case types.BackupAvailable:
				status = color.GreenString(status)
			case types.BackupFailed:
				status = color.RedString(status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				b.ID, b.Kind, status, humanBytes(b.SizeBytes), b.StorageName,
				b.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	case n > 0:
		return fmt.Sprintf("%d B", n)
	}
	return "-"
}
