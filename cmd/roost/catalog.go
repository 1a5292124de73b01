package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the application catalog",
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployable catalog applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPORT\tCPU\tMEMORY\tTEMPLATE")
		for _, c := range s.manager.CatalogApps() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d MiB\t%s\n",
				c.ID, c.Name, c.PrimaryPort, c.MinCPU, c.MinMemoryMB, c.TemplateFamily)
		}
		return w.Flush()
	},
}
