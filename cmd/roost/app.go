package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roost-io/roost/pkg/manager"
	"github.com/roost-io/roost/pkg/types"
)

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage applications",
}

func init() {
	appDeployCmd.Flags().String("hostname", "", "unique DNS-safe hostname for the application (required)")
	appDeployCmd.Flags().String("node", "", "target node (default: most free memory)")
	appDeployCmd.Flags().String("host", "", "target Proxmox host id (default: the default host)")
	appDeployCmd.Flags().StringArray("env", nil, "environment override KEY=VALUE (repeatable)")
	appDeployCmd.Flags().Bool("wait", false, "wait until the deployment reaches a terminal state")
	_ = appDeployCmd.MarkFlagRequired("hostname")

	appCloneCmd.Flags().String("hostname", "", "hostname for the clone (required)")
	_ = appCloneCmd.MarkFlagRequired("hostname")

	appAdoptCmd.Flags().Int("vmid", 0, "VMID of the container to adopt (required)")
	appAdoptCmd.Flags().String("node", "", "node the container runs on (required)")
	appAdoptCmd.Flags().String("catalog", "", "catalog id describing the workload (required)")
	appAdoptCmd.Flags().Int("port", 80, "container port to expose")
	appAdoptCmd.Flags().String("hostname", "", "hostname for the adopted application")
	appAdoptCmd.Flags().String("host", "", "Proxmox host id")
	_ = appAdoptCmd.MarkFlagRequired("vmid")
	_ = appAdoptCmd.MarkFlagRequired("node")
	_ = appAdoptCmd.MarkFlagRequired("catalog")

	appListCmd.Flags().String("status", "", "filter by status")
	appListCmd.Flags().String("query", "", "substring match on hostname or name")

	appDiscoverCmd.Flags().String("host", "", "limit discovery to one host id")

	appRestoreCmd.Flags().String("backup", "", "backup id to restore from (required)")
	_ = appRestoreCmd.MarkFlagRequired("backup")

	appCmd.AddCommand(appListCmd, appGetCmd, appDeployCmd, appLogsCmd,
		appStartCmd, appStopCmd, appRestartCmd, appUpdateCmd, appDeleteCmd,
		appCloneCmd, appAdoptCmd, appDiscoverCmd, appRestoreCmd)
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications with live status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		status, _ := cmd.Flags().GetString("status")
		query, _ := cmd.Flags().GetString("query")
		apps, total, err := s.manager.ListApplications(cmd.Context(), manager.Filter{
			Status: types.AppStatus(status),
			Query:  query,
		}, manager.Page{})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tCATALOG\tSTATUS\tLIVE\tVMID\tNODE\tURL")
		for _, a := range apps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				a.Hostname, a.CatalogID, colorStatus(a.Status), a.LiveStatus, a.VMID, a.NodeName, a.URL)
		}
		w.Flush()
		fmt.Printf("\n%d application(s)\n", total)
		return nil
	},
}

var appGetCmd = &cobra.Command{
	Use:   "get <app-id|hostname>",
	Short: "Show one application in detail",
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
		d, err := s.manager.GetApplication(cmd.Context(), appID)
		if err != nil {
			return err
		}

		fmt.Printf("ID:           %s\n", d.ID)
		fmt.Printf("Hostname:     %s\n", d.Hostname)
		fmt.Printf("Catalog:      %s\n", d.CatalogID)
		fmt.Printf("Status:       %s\n", colorStatus(d.Status))
		if d.LiveStatus != "" {
			fmt.Printf("Live status:  %s (up %s)\n", d.LiveStatus, (time.Duration(d.UptimeSec) * time.Second).String())
		}
		fmt.Printf("VMID:         %d on %s\n", d.VMID, d.NodeName)
		fmt.Printf("Ports:        %d (public) / %d (internal)\n", d.PublicPort, d.InternalPort)
		fmt.Printf("URL:          %s\n", d.URL)
		if d.DirectAccess {
			fmt.Println(color.YellowString("⚠ ") + "direct access, reverse proxy unavailable")
		}
		fmt.Printf("State since:  %s\n", d.StateChangedAt.Format(time.RFC3339))
		return nil
	},
}

var appDeployCmd = &cobra.Command{
	Use:   "deploy <catalog-id>",
	Short: "Deploy an application from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		hostname, _ := cmd.Flags().GetString("hostname")
		node, _ := cmd.Flags().GetString("node")
		hostID, _ := cmd.Flags().GetString("host")
		envFlags, _ := cmd.Flags().GetStringArray("env")
		wait, _ := cmd.Flags().GetBool("wait")

		env := make(map[string]string, len(envFlags))
		for _, kv := range envFlags {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
			}
			env[parts[0]] = parts[1]
		}

		s.broker.Start()
		defer s.broker.Stop()
		s.runner.Start()
		defer s.runner.Stop()

		app, err := s.manager.DeployApplication(manager.DeployIntent{
			CatalogID:   args[0],
			Hostname:    hostname,
			Node:        node,
			HostID:      hostID,
			Environment: env,
			Actor:       "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf(color.GreenString("✓ ")+"deployment of %s accepted (id %s)\n", hostname, app.ID)

		if !wait {
			return nil
		}
		return waitForStable(cmd.Context(), s, app.ID)
	},
}

var appLogsCmd = &cobra.Command{
	Use:   "logs <app-id|hostname>",
	Short: "Show the deployment trail of an application",
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
		entries, err := s.manager.DeploymentLogs(appID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			level := string(e.Level)
			switch e.Level {
			case types.LogWarning:
				level = color.YellowString(level)
			case types.LogError:
				level = color.RedString(level)
			}
			fmt.Printf("%s  %-18s %-8s %s\n", e.Timestamp.Format(time.RFC3339), e.Step, level, e.Message)
		}
		return nil
	},
}

var appStartCmd = actionCommand("start", "Start a stopped application", manager.ActionStart)
var appStopCmd = actionCommand("stop", "Stop a running application", manager.ActionStop)
var appRestartCmd = actionCommand("restart", "Restart a running application", manager.ActionRestart)
var appUpdateCmd = actionCommand("update", "Update with pre-backup and health probe", manager.ActionUpdate)
var appDeleteCmd = actionCommand("delete", "Delete an application and its container", manager.ActionDelete)

func actionCommand(verb, short string, action manager.Action) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <app-id|hostname>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), args[0], action, manager.ActionParams{Actor: "cli"})
		},
	}
}

var appCloneCmd = &cobra.Command{
	Use:   "clone <app-id|hostname>",
	Short: "Clone an application to a new hostname",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname, _ := cmd.Flags().GetString("hostname")
		return runAction(cmd.Context(), args[0], manager.ActionClone, manager.ActionParams{
			NewHostname: hostname,
			Actor:       "cli",
		})
	},
}

var appRestoreCmd = &cobra.Command{
	Use:   "restore <app-id|hostname>",
	Short: "Restore an application from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backupID, _ := cmd.Flags().GetString("backup")
		return runAction(cmd.Context(), args[0], manager.ActionRestore, manager.ActionParams{
			BackupID: backupID,
			Actor:    "cli",
		})
	},
}

var appAdoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Import an unmanaged container",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		vmid, _ := cmd.Flags().GetInt("vmid")
		node, _ := cmd.Flags().GetString("node")
		catalogID, _ := cmd.Flags().GetString("catalog")
		port, _ := cmd.Flags().GetInt("port")
		hostname, _ := cmd.Flags().GetString("hostname")
		hostID, _ := cmd.Flags().GetString("host")

		s.broker.Start()
		defer s.broker.Stop()
		s.runner.Start()
		defer s.runner.Stop()

		app, err := s.manager.AdoptApplication(manager.AdoptSpec{
			HostID:      hostID,
			VMID:        vmid,
			NodeName:    node,
			CatalogID:   catalogID,
			ExposedPort: port,
			Hostname:    hostname,
			Actor:       "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf(color.GreenString("✓ ")+"adoption of vmid %d accepted as %s\n", vmid, app.Hostname)
		return waitForStable(cmd.Context(), s, app.ID)
	},
}

var appDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List containers on the cluster not managed by Roost",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		hostID, _ := cmd.Flags().GetString("host")
		found, err := s.manager.DiscoverUnmanagedContainers(cmd.Context(), hostID)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("no unmanaged containers")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VMID\tNAME\tSTATUS\tNODE\tHOST")
		for _, c := range found {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", c.VMID, c.Name, c.Status, c.NodeName, c.HostID)
		}
		return w.Flush()
	},
}

// runAction enqueues the action and waits until the application settles.
func runAction(ctx context.Context, ref string, action manager.Action, params manager.ActionParams) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	appID, err := resolveApp(s, ref)
	if err != nil {
		return err
	}

	s.broker.Start()
	defer s.broker.Stop()
	s.runner.Start()
	defer s.runner.Stop()

	if err := s.manager.PerformAction(appID, action, params); err != nil {
		return err
	}
	fmt.Printf(color.GreenString("✓ ")+"%s accepted\n", action)
	return waitForStable(ctx, s, appID)
}

// resolveApp accepts either an application id or a hostname.
func resolveApp(s *stack, ref string) (string, error) {
	if app, err := s.store.GetApplication(ref); err == nil {
		return app.ID, nil
	}
	app, err := s.store.GetApplicationByHostname(ref)
	if err != nil {
		return "", err
	}
	return app.ID, nil
}

// waitForStable polls until the application leaves its transitional state
// or disappears (delete).
func waitForStable(ctx context.Context, s *stack, appID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app, err := s.store.GetApplication(appID)
			if err != nil {
				fmt.Println(color.GreenString("✓ ") + "application removed")
				return nil
			}
			if !app.Status.IsTransitional() {
				if app.Status == types.StatusError || app.Status == types.StatusUpdateFailed {
					fmt.Printf(color.RedString("✗ ")+"finished in %s\n", app.Status)
				} else {
					fmt.Printf(color.GreenString("✓ ")+"%s is %s", app.Hostname, app.Status)
					if app.URL != "" {
						fmt.Printf("  %s", app.URL)
					}
					fmt.Println()
				}
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func colorStatus(s types.AppStatus) string {
	switch s {
	case types.StatusRunning:
		return color.GreenString(string(s))
	case types.StatusError, types.StatusUpdateFailed:
		return color.RedString(string(s))
	case types.StatusStopped:
		return color.BlueString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
