// Package deploy implements the lifecycle pipelines: deploy, update,
// clone, delete, adopt, power actions and backup/restore. Each pipeline is
// packaged as a job for the runner; steps log to the per-application
// deployment trail with stable step tags.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/allocator"
	"github.com/roost-io/roost/pkg/appliance"
	"github.com/roost-io/roost/pkg/catalog"
	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/sshexec"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

// Pipelines bundles everything the lifecycle jobs need.
type Pipelines struct {
	store     storage.Store
	pool      *pve.Pool
	runner    sshexec.Runner
	alloc     *allocator.Allocator
	catalog   *catalog.Catalog
	appliance *appliance.Orchestrator
	broker    *events.Broker
	cfg       *config.Config
	logger    zerolog.Logger
}

// NewPipelines wires the pipelines.
func NewPipelines(
	store storage.Store,
	pool *pve.Pool,
	runner sshexec.Runner,
	alloc *allocator.Allocator,
	cat *catalog.Catalog,
	orch *appliance.Orchestrator,
	broker *events.Broker,
	cfg *config.Config,
) *Pipelines {
	return &Pipelines{
		store:     store,
		pool:      pool,
		runner:    runner,
		alloc:     alloc,
		catalog:   cat,
		appliance: orch,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("deploy"),
	}
}

// dlog appends one line to the application's deployment trail and mirrors
// it to the structured log.
func (p *Pipelines) dlog(appID string, level types.LogLevel, step, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	entry := &types.DeploymentLogEntry{
		ApplicationID: appID,
		Timestamp:     time.Now(),
		Level:         level,
		Step:          step,
		Message:       msg,
	}
	if err := p.store.AppendDeploymentLog(entry); err != nil {
		p.logger.Warn().Err(err).Str("app_id", appID).Msg("could not append deployment log")
	}
	ev := p.logger.Info()
	switch level {
	case types.LogWarning:
		ev = p.logger.Warn()
	case types.LogError:
		ev = p.logger.Error()
	}
	ev.Str("app_id", appID).Str("step", step).Msg(msg)
}

// terminalError parks the application in error when a job gives up, but
// only if it still sits in the expected transitional state.
func (p *Pipelines) terminalError(appID string, from types.AppStatus) func(error) {
	return func(cause error) {
		err := p.store.WithAppLock(appID, func() error {
			app, err := p.store.GetApplication(appID)
			if err != nil {
				return err
			}
			if app.Status != from {
				return nil
			}
			return p.store.Transition(appID, from, types.StatusError)
		})
		if err != nil {
			p.logger.Error().Err(err).Str("app_id", appID).Msg("could not mark application as failed")
			return
		}
		p.dlog(appID, types.LogError, "terminal", "job failed after retries: %v", cause)
		p.broker.Emit(events.EventAppError, appID, cause.Error())
	}
}

// nodeAddr resolves the SSH address of a node, preferring the cached node
// record and falling back to the host's API address.
func (p *Pipelines) nodeAddr(host *types.ProxmoxHost, node string) string {
	if n, err := p.store.GetNode(host.ID, node); err == nil && n.IPAddress != "" {
		return n.IPAddress
	}
	return host.APIAddress
}

// selectNode picks the target node: the explicit one when given, else the
// online node with the most free memory, ties broken by name.
func (p *Pipelines) selectNode(host *types.ProxmoxHost, explicit string) (string, error) {
	nodes, err := p.store.ListNodes(host.ID)
	if err != nil {
		return "", err
	}
	if explicit != "" {
		for _, n := range nodes {
			if n.Name == explicit {
				if n.Status != types.NodeStatusOnline {
					return "", errdefs.New(errdefs.KindStateInvalid, "node %s is %s", explicit, n.Status)
				}
				return explicit, nil
			}
		}
		return "", errdefs.NotFound("node", explicit)
	}

	var best *types.ProxmoxNode
	for _, n := range nodes {
		if n.Status != types.NodeStatusOnline || n.MemoryTotal == 0 {
			continue
		}
		if best == nil || n.MemoryFree() > best.MemoryFree() ||
			(n.MemoryFree() == best.MemoryFree() && n.Name < best.Name) {
			best = n
		}
	}
	if best == nil {
		return "", errdefs.New(errdefs.KindUnreachable, "no online node with known memory stats on host %s", host.ID)
	}
	return best.Name, nil
}

// selectStorage applies the best-free-space rule for container rootfs.
func (p *Pipelines) selectStorage(ctx context.Context, client pve.Client, node string, requiredGB int) (string, error) {
	storages, err := client.ListStorages(ctx, node)
	if err != nil {
		return "", err
	}
	var best string
	var bestAvail int64 = -1
	for _, s := range storages {
		if !s.Active || !s.SupportsRootFS() || s.Available < int64(requiredGB)<<30 {
			continue
		}
		if s.Available > bestAvail {
			bestAvail = s.Available
			best = s.Name
		}
	}
	if best == "" {
		return "", errdefs.New(errdefs.KindStorageUnavailable,
			"no storage on node %s fits %d GB of container rootfs", node, requiredGB)
	}
	return best, nil
}

// ensureTemplate finds a container template for the catalog family on any
// storage of the node, downloading one when missing.
func (p *Pipelines) ensureTemplate(ctx context.Context, client pve.Client, node, family string) (string, error) {
	storages, err := client.ListStorages(ctx, node)
	if err != nil {
		return "", err
	}

	var templateStorage string
	for _, s := range storages {
		if !s.Active || !s.SupportsTemplates() {
			continue
		}
		if templateStorage == "" {
			templateStorage = s.Name
		}
		templates, err := client.ListTemplates(ctx, node, s.Name)
		if err != nil {
			continue
		}
		for _, t := range templates {
			if strings.Contains(t.VolID, family) && strings.Contains(t.VolID, "amd64") {
				return t.VolID, nil
			}
		}
	}
	if templateStorage == "" {
		return "", errdefs.New(errdefs.KindTemplateUnavailable, "no storage on node %s accepts templates", node)
	}

	name := family + "-standard"
	task, err := client.DownloadApplianceTemplate(ctx, node, templateStorage, name)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindTemplateUnavailable, err, "download of %s failed", name)
	}
	if err := client.WaitForTask(ctx, node, task, p.cfg.TemplateTimeout); err != nil {
		return "", errdefs.Wrap(errdefs.KindTemplateUnavailable, err, "download of %s did not finish", name)
	}

	templates, err := client.ListTemplates(ctx, node, templateStorage)
	if err != nil {
		return "", err
	}
	for _, t := range templates {
		if strings.Contains(t.VolID, family) {
			return t.VolID, nil
		}
	}
	return "", errdefs.New(errdefs.KindTemplateUnavailable, "template for family %s missing after download", family)
}

// patchLXCConfig appends the AppArmor and capability overrides the inner
// runtime needs, once.
func (p *Pipelines) patchLXCConfig(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int) error {
	conf := fmt.Sprintf("/etc/pve/lxc/%d.conf", vmid)
	cmd := fmt.Sprintf(
		"grep -q 'lxc.apparmor.profile' %s || printf 'lxc.apparmor.profile: unconfined\\nlxc.cap.drop:\\n' >> %s",
		conf, conf)
	res, err := p.runner.ExecOnNode(ctx, host, nodeAddr, cmd)
	if err != nil {
		return err
	}
	return res.Err()
}

// execApp runs a command inside the application container and converts a
// non-zero exit into an error.
func (p *Pipelines) execApp(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int, command string) (*sshexec.Result, error) {
	res, err := p.runner.ExecInContainer(ctx, host, nodeAddr, vmid, command)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// writeContainerFile writes content to a path inside the container.
func (p *Pipelines) writeContainerFile(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int, path, content string) error {
	quoted := "'" + strings.ReplaceAll(content, "'", `'\''`) + "'"
	cmd := fmt.Sprintf("printf '%%s' %s > %s", quoted, path)
	_, err := p.execApp(ctx, host, nodeAddr, vmid, cmd)
	return err
}

// discoverContainerIP reads the container's eth0 address.
func (p *Pipelines) discoverContainerIP(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int) (string, error) {
	res, err := p.execApp(ctx, host, nodeAddr, vmid, "ip -4 addr show eth0")
	if err != nil {
		return "", err
	}
	ip := appliance.ParseIPv4Addr(res.Stdout)
	if ip == "" {
		return "", errdefs.New(errdefs.KindUnknown, "container %d has no IPv4 address on eth0", vmid)
	}
	return ip, nil
}

// sleep waits without losing cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "wait interrupted")
	}
}

// loadAppHost resolves the application, its host and the host's client.
func (p *Pipelines) loadAppHost(appID string) (*types.Application, *types.ProxmoxHost, pve.Client, error) {
	app, err := p.store.GetApplication(appID)
	if err != nil {
		return nil, nil, nil, err
	}
	host, err := p.store.GetHost(app.HostID)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := p.pool.Get(host)
	if err != nil {
		return nil, nil, nil, err
	}
	return app, host, client, nil
}
