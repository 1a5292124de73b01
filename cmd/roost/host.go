package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roost-io/roost/pkg/types"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage Proxmox hosts",
}

func init() {
	hostAddCmd.Flags().String("name", "", "display name")
	hostAddCmd.Flags().String("address", "", "API address (required)")
	hostAddCmd.Flags().Int("api-port", 8006, "API port")
	hostAddCmd.Flags().Int("ssh-port", 22, "SSH port")
	hostAddCmd.Flags().String("user", "root", "SSH/API user")
	hostAddCmd.Flags().String("token-id", "", "API token id (preferred over password)")
	hostAddCmd.Flags().String("token-secret", "", "API token secret")
	hostAddCmd.Flags().String("password", "", "API password (fallback when no token)")
	hostAddCmd.Flags().String("ssh-password", "", "SSH password")
	hostAddCmd.Flags().String("ssh-key", "", "path to SSH private key")
	hostAddCmd.Flags().Bool("verify-tls", false, "verify the API TLS certificate")
	hostAddCmd.Flags().Bool("default", false, "use this host when deploys name none")
	_ = hostAddCmd.MarkFlagRequired("address")

	hostCmd.AddCommand(hostAddCmd, hostListCmd, hostRemoveCmd, hostRefreshCmd, hostNodesCmd)
}

var hostAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a Proxmox host",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		address, _ := flags.GetString("address")
		apiPort, _ := flags.GetInt("api-port")
		sshPort, _ := flags.GetInt("ssh-port")
		user, _ := flags.GetString("user")
		tokenID, _ := flags.GetString("token-id")
		tokenSecret, _ := flags.GetString("token-secret")
		password, _ := flags.GetString("password")
		sshPassword, _ := flags.GetString("ssh-password")
		sshKey, _ := flags.GetString("ssh-key")
		verifyTLS, _ := flags.GetBool("verify-tls")
		isDefault, _ := flags.GetBool("default")

		host := &types.ProxmoxHost{
			DisplayName: name,
			APIAddress:  address,
			APIPort:     apiPort,
			SSHPort:     sshPort,
			SSHUser:     user,
			TokenID:     tokenID,
			TokenSecret: tokenSecret,
			Password:    password,
			SSHPassword: sshPassword,
			SSHKeyPath:  sshKey,
			VerifyTLS:   verifyTLS,
			Default:     isDefault,
		}
		if err := s.manager.AddHost(cmd.Context(), host, "cli"); err != nil {
			return err
		}
		fmt.Printf(color.GreenString("✓ ")+"host %s registered (id %s)\n", address, host.ID)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		hosts, err := s.manager.Hosts()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tAUTH\tDEFAULT")
		for _, h := range hosts {
			auth := "password"
			if h.TokenID != "" {
				auth = "token"
			}
			def := ""
			if h.Default {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%s\n", h.ID, h.DisplayName, h.APIAddress, h.APIPort, auth, def)
		}
		return w.Flush()
	},
}

var hostRemoveCmd = &cobra.Command{
	Use:   "remove <host-id>",
	Short: "Remove a host (refused while applications reference it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.manager.RemoveHost(args[0], "cli"); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓ ") + "host removed")
		return nil
	},
}

var hostRefreshCmd = &cobra.Command{
	Use:   "refresh <host-id>",
	Short: "Refresh the node cache for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.manager.RefreshNodes(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓ ") + "node cache refreshed")
		return nil
	},
}

var hostNodesCmd = &cobra.Command{
	Use:   "nodes <host-id>",
	Short: "Show the cached nodes of a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		nodes, err := s.manager.Nodes(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATUS\tCPU\tMEM FREE\tUPTIME\tREFRESHED")
		for _, n := range nodes {
			status := string(n.Status)
			if n.Status == types.NodeStatusOnline {
				status = color.GreenString(status)
			} else {
				status = color.RedString(status)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d MiB\t%s\t%s\n",
				n.Name, status, n.CPUCount, n.MemoryFree()>>20,
				(time.Duration(n.Uptime) * time.Second).String(),
				n.RefreshedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
