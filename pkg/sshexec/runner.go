// Package sshexec runs commands on cluster nodes over SSH, either directly
// on the node or inside a container through pct exec.
package sshexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/types"
)

// Result is the outcome of one executed command. A non-zero exit code is
// not an error at this layer; callers decide with Err.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Err converts a non-zero exit into an ExecFailed error.
func (r *Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return errdefs.ExecFailed(r.ExitCode, r.Stderr)
}

// Runner executes commands on nodes and in containers. Implemented by
// SSHRunner; tests inject fakes.
type Runner interface {
	// ExecOnNode runs the command on the node itself.
	ExecOnNode(ctx context.Context, host *types.ProxmoxHost, nodeAddr, command string) (*Result, error)

	// ExecInContainer runs the command inside the container via pct exec
	// on the node.
	ExecInContainer(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int, command string) (*Result, error)
}

// shellQuote single-quotes s for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// pctExecCommand builds the node-side command that runs the given shell
// command inside the container.
func pctExecCommand(vmid int, command string) string {
	return fmt.Sprintf("pct exec %d -- sh -c %s", vmid, shellQuote(command))
}

// redact masks values of password-bearing assignments before a command
// reaches the debug log.
func redact(command string) string {
	fields := strings.Fields(command)
	changed := false
	for i, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq <= 0 {
			continue
		}
		key := strings.ToUpper(f[:eq])
		if strings.Contains(key, "PASSWORD") || strings.Contains(key, "SECRET") || strings.Contains(key, "TOKEN") {
			fields[i] = f[:eq+1] + "***"
			changed = true
		}
	}
	if !changed {
		return command
	}
	return strings.Join(fields, " ")
}
