package appliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/sshexec"
	"github.com/roost-io/roost/pkg/types"
)

const vhostDir = "/etc/nginx/sites-enabled"

// RegisterVHost points the reverse proxy's public and internal ports at
// the application container. Writes are serialized per host; the reload
// only happens when the file actually changed.
func (o *Orchestrator) RegisterVHost(ctx context.Context, host *types.ProxmoxHost, hostname, backendIP string, backendPort, publicPort, internalPort int) error {
	state := o.CurrentState(host.ID)
	if state == nil || state.Degraded {
		return errdefs.New(errdefs.KindUnknown, "appliance not available on host %s", host.ID)
	}

	lock := o.hostLock(host.ID)
	lock.Lock()
	defer lock.Unlock()

	conf := renderVHost(hostname, backendIP, backendPort, publicPort, internalPort)
	path := vhostPath(hostname)
	vmid := o.cfg.ApplianceVMID

	if err := writeFileIfChanged(ctx, o.runner, host, state.NodeAddr, vmid, path, conf); err != nil {
		return err
	}
	if err := o.execOK(ctx, host, state.NodeAddr, vmid, "nginx -t && systemctl reload nginx"); err != nil {
		return err
	}
	o.logger.Info().Str("hostname", hostname).Int("public", publicPort).Int("internal", internalPort).Msg("vhost registered")
	return nil
}

// RemoveVHost drops the application's proxy entry. Missing files are not
// an error; delete must stay resilient.
func (o *Orchestrator) RemoveVHost(ctx context.Context, host *types.ProxmoxHost, hostname string) error {
	state := o.CurrentState(host.ID)
	if state == nil || state.Degraded {
		return nil
	}

	lock := o.hostLock(host.ID)
	lock.Lock()
	defer lock.Unlock()

	cmd := fmt.Sprintf("rm -f %s && (nginx -t && systemctl reload nginx || true)", vhostPath(hostname))
	if err := o.execOK(ctx, host, state.NodeAddr, o.cfg.ApplianceVMID, cmd); err != nil {
		return err
	}
	o.logger.Info().Str("hostname", hostname).Msg("vhost removed")
	return nil
}

func vhostPath(hostname string) string {
	return fmt.Sprintf("%s/roost-%s.conf", vhostDir, hostname)
}

// renderVHost emits two server blocks: the public port proxies plainly,
// the internal port additionally strips frame-denial headers so the app
// can be embedded.
func renderVHost(hostname, backendIP string, backendPort, publicPort, internalPort int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", hostname)
	writeServerBlock(&b, publicPort, backendIP, backendPort, false)
	writeServerBlock(&b, internalPort, backendIP, backendPort, true)
	return b.String()
}

func writeServerBlock(b *strings.Builder, listen int, backendIP string, backendPort int, embeddable bool) {
	fmt.Fprintf(b, "server {\n")
	fmt.Fprintf(b, "    listen %d;\n", listen)
	fmt.Fprintf(b, "    location / {\n")
	fmt.Fprintf(b, "        proxy_pass http://%s:%d;\n", backendIP, backendPort)
	fmt.Fprintf(b, "        proxy_set_header Host $host;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Real-IP $remote_addr;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Forwarded-Proto $scheme;\n")
	fmt.Fprintf(b, "        proxy_http_version 1.1;\n")
	fmt.Fprintf(b, "        proxy_set_header Upgrade $http_upgrade;\n")
	fmt.Fprintf(b, "        proxy_set_header Connection \"upgrade\";\n")
	if embeddable {
		fmt.Fprintf(b, "        proxy_hide_header X-Frame-Options;\n")
		fmt.Fprintf(b, "        proxy_hide_header Content-Security-Policy;\n")
	}
	fmt.Fprintf(b, "    }\n")
	fmt.Fprintf(b, "}\n")
}

// writeFileIfChanged writes content to path inside the container only when
// the current content differs, creating parent directories as needed.
func writeFileIfChanged(ctx context.Context, runner sshexec.Runner, host *types.ProxmoxHost, nodeAddr string, vmid int, path, content string) error {
	current, err := runner.ExecInContainer(ctx, host, nodeAddr, vmid, fmt.Sprintf("cat %s 2>/dev/null || true", path))
	if err != nil {
		return err
	}
	if current.Stdout == content {
		return nil
	}

	dir := path[:strings.LastIndexByte(path, '/')]
	write := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s", dir, singleQuote(content), path)
	res, err := runner.ExecInContainer(ctx, host, nodeAddr, vmid, write)
	if err != nil {
		return err
	}
	return res.Err()
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
