package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/metrics"
	"github.com/roost-io/roost/pkg/types"
)

const defaultExecTimeout = 5 * time.Minute

// SSHRunner executes commands over per-call SSH connections. Connections
// are not pooled: exec volume is low and a stale pooled channel after a
// node reboot is worse than the dial cost.
type SSHRunner struct {
	logger zerolog.Logger
}

// NewSSHRunner returns a Runner backed by x/crypto/ssh.
func NewSSHRunner() *SSHRunner {
	return &SSHRunner{logger: log.WithComponent("sshexec")}
}

func (r *SSHRunner) ExecOnNode(ctx context.Context, host *types.ProxmoxHost, nodeAddr, command string) (*Result, error) {
	r.logger.Debug().Str("node", nodeAddr).Str("cmd", redact(command)).Msg("exec on node")
	return r.run(ctx, host, nodeAddr, command)
}

func (r *SSHRunner) ExecInContainer(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int, command string) (*Result, error) {
	r.logger.Debug().Str("node", nodeAddr).Int("vmid", vmid).Str("cmd", redact(command)).Msg("exec in container")
	res, err := r.run(ctx, host, nodeAddr, pctExecCommand(vmid, command))
	if err != nil {
		return nil, err
	}
	// pct exec 255 means pct itself failed, usually because the container
	// is not running.
	if res.ExitCode == 255 && res.Stdout == "" {
		return nil, errdefs.Wrap(errdefs.KindExecFailed, res.Err(), "pct exec failed for vmid %d", vmid)
	}
	return res, nil
}

func (r *SSHRunner) run(ctx context.Context, host *types.ProxmoxHost, nodeAddr, command string) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}

	client, err := r.dial(ctx, host, nodeAddr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnreachable, err, "ssh session to %s failed", nodeAddr)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Closing the client tears the session down; the remote command
		// may keep running.
		client.Close()
		<-done
		if ctx.Err() == context.Canceled {
			return nil, errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "exec on %s canceled", nodeAddr)
		}
		return nil, errdefs.Timeout(fmt.Sprintf("exec on %s", nodeAddr), defaultExecTimeout)
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			metrics.SSHExecTotal.WithLabelValues("nonzero").Inc()
			return res, nil
		}
		metrics.SSHExecTotal.WithLabelValues("error").Inc()
		return nil, errdefs.Wrap(errdefs.KindExecFailed, err, "exec on %s did not complete", nodeAddr)
	}
	metrics.SSHExecTotal.WithLabelValues("success").Inc()
	return res, nil
}

// dial opens an authenticated SSH connection to the node. Key auth is
// preferred when a key path is configured, falling back to the host's
// SSH password.
func (r *SSHRunner) dial(ctx context.Context, host *types.ProxmoxHost, nodeAddr string) (*ssh.Client, error) {
	auth, err := authMethods(host)
	if err != nil {
		return nil, err
	}
	port := host.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(nodeAddr, fmt.Sprintf("%d", port))

	cfg := &ssh.ClientConfig{
		User:            host.SSHUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnreachable, err, "ssh dial %s failed", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errdefs.Wrap(errdefs.KindAuthFailed, err, "ssh handshake with %s failed", addr)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(host *types.ProxmoxHost) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if host.SSHKeyPath != "" {
		key, err := os.ReadFile(host.SSHKeyPath)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindAuthFailed, err, "cannot read ssh key %s", host.SSHKeyPath)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindAuthFailed, err, "cannot parse ssh key %s", host.SSHKeyPath)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if host.SSHPassword != "" {
		methods = append(methods, ssh.Password(host.SSHPassword))
	}
	if len(methods) == 0 {
		return nil, errdefs.New(errdefs.KindAuthFailed, "host %s has neither ssh key nor password configured", host.ID)
	}
	return methods, nil
}
