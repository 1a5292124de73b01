package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/compose"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/metrics"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/types"
)

const (
	rootFSGB       = 8
	bootSettleWait = 10 * time.Second
	runtimeWaitMax = 24 // polls of 5s each
)

// DeployJob builds the deploy job for an application created in deploying.
func (p *Pipelines) DeployJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobDeploy,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runDeploy(ctx, logger, appID)
		},
		OnTerminal: p.terminalError(appID, types.StatusDeploying),
	}
}

// runDeploy executes one attempt of the deployment pipeline. Every attempt
// starts from a clean slate: failures trigger compensating cleanup before
// the error is returned to the runner.
func (p *Pipelines) runDeploy(ctx context.Context, logger zerolog.Logger, appID string) (err error) {
	app, host, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusDeploying {
		return errdefs.StateInvalid(string(app.Status), "deploy")
	}
	cat, err := p.catalog.Get(app.CatalogID)
	if err != nil {
		return err
	}

	created := false
	var node, nodeAddr string
	defer func() {
		if err != nil {
			p.cleanupFailedDeploy(logger, app, host, client, node, created)
		}
	}()

	stepStart := time.Now()
	mark := func(step string) {
		metrics.DeployStepDuration.WithLabelValues(step).Observe(time.Since(stepStart).Seconds())
		stepStart = time.Now()
	}

	// 1. Select node
	node, err = p.selectNode(host, app.NodeName)
	if err != nil {
		p.dlog(appID, types.LogError, "select_node", "node selection failed: %v", err)
		return err
	}
	nodeAddr = p.nodeAddr(host, node)
	app.NodeName = node
	if err = p.store.UpdateApplication(app); err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "select_node", "deploying to node %s", node)
	mark("select_node")

	// 2. Allocate ports
	app.PublicPort, app.InternalPort, err = p.alloc.AllocatePorts(appID)
	if err != nil {
		p.dlog(appID, types.LogError, "allocate_ports", "port allocation failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "allocate_ports", "ports %d (public) and %d (internal)", app.PublicPort, app.InternalPort)
	mark("allocate_ports")

	// 3. Acquire VMID
	app.VMID, err = p.alloc.AcquireVMID(ctx, client, appID)
	if err != nil {
		p.dlog(appID, types.LogError, "acquire_vmid", "vmid acquisition failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "acquire_vmid", "vmid %d", app.VMID)
	mark("acquire_vmid")

	// 4. Select storage
	storageName, err := p.selectStorage(ctx, client, node, rootFSGB)
	if err != nil {
		p.dlog(appID, types.LogError, "select_storage", "storage selection failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "select_storage", "rootfs on %s", storageName)
	mark("select_storage")

	// 5. Ensure template
	template, err := p.ensureTemplate(ctx, client, node, cat.TemplateFamily)
	if err != nil {
		p.dlog(appID, types.LogError, "ensure_template", "template unavailable: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "ensure_template", "template %s", template)
	mark("ensure_template")

	// Appliance infrastructure; degraded mode falls back to the
	// management bridge.
	state, err := p.appliance.Ensure(ctx, host, node, nodeAddr)
	if err != nil {
		p.dlog(appID, types.LogError, "ensure_appliance", "appliance setup failed: %v", err)
		return err
	}
	if state.Degraded {
		p.dlog(appID, types.LogWarning, "ensure_appliance", "appliance degraded, using direct access")
	}
	mark("ensure_appliance")

	// 6. Create LXC
	rootPassword := app.RootPassword
	if rootPassword == "" {
		if rootPassword, err = security.GenerateRootPassword(); err != nil {
			return err
		}
		app.RootPassword = rootPassword
	}
	created, err = p.createLXC(ctx, client, node, pve.CreateLXCSpec{
		VMID:       app.VMID,
		Hostname:   app.Hostname,
		OSTemplate: template,
		Storage:    storageName,
		RootFSGB:   rootFSGB,
		Cores:      cat.MinCPU,
		MemoryMB:   cat.MinMemoryMB,
		SwapMB:     512,
		Password:   rootPassword,
		Bridge:     state.Bridge,
		Tags:       "roost",
	}, appID)
	if err != nil {
		return err
	}
	if err = p.store.UpdateApplication(app); err != nil {
		return err
	}

	mark("create_lxc")

	// 7. Patch container config for the in-LXC runtime
	if err = p.patchLXCConfig(ctx, host, nodeAddr, app.VMID); err != nil {
		p.dlog(appID, types.LogError, "patch_config", "config patch failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "patch_config", "apparmor and capability overrides applied")
	mark("patch_config")

	// 8. Start and settle
	task, err := client.StartLXC(ctx, node, app.VMID)
	if err == nil {
		err = client.WaitForTask(ctx, node, task, 2*time.Minute)
	}
	if err != nil {
		p.dlog(appID, types.LogError, "start_lxc", "start failed: %v", err)
		return err
	}
	if err = sleep(ctx, bootSettleWait); err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "start_lxc", "container started")
	mark("start_lxc")

	// 9. Install container runtime
	if cat.RuntimeBundled {
		p.dlog(appID, types.LogInfo, "install_runtime", "runtime preinstalled in template, skipping")
	} else if err = p.installRuntime(ctx, host, nodeAddr, app.VMID); err != nil {
		p.dlog(appID, types.LogError, "install_runtime", "runtime install failed: %v", err)
		return err
	} else {
		p.dlog(appID, types.LogInfo, "install_runtime", "container runtime ready")
	}
	mark("install_runtime")

	// 10. Materialize compose document
	doc, err := compose.Materialize(cat, app.Hostname, app.Environment, p.cfg.VolumesDir)
	if err != nil {
		p.dlog(appID, types.LogError, "write_compose", "compose materialization failed: %v", err)
		return err
	}
	for _, dir := range doc.HostPaths {
		if _, err = p.execApp(ctx, host, nodeAddr, app.VMID, "mkdir -p "+dir); err != nil {
			p.dlog(appID, types.LogError, "write_compose", "volume dir %s: %v", dir, err)
			return err
		}
	}
	if err = p.writeContainerFile(ctx, host, nodeAddr, app.VMID, compose.RemotePath, doc.Content); err != nil {
		p.dlog(appID, types.LogError, "write_compose", "writing compose file failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "write_compose", "compose document written")
	mark("write_compose")

	// 11. Pull and bring up
	if err = p.composePull(ctx, host, nodeAddr, app.VMID); err != nil {
		p.dlog(appID, types.LogError, "compose_pull", "image pull failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "compose_pull", "images pulled")
	mark("compose_pull")
	if err = p.composeUp(ctx, host, nodeAddr, app.VMID); err != nil {
		p.dlog(appID, types.LogError, "compose_up", "compose up failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "compose_up", "services up")
	mark("compose_up")

	// 12. Discover container IP
	app.ContainerIP, err = p.discoverContainerIP(ctx, host, nodeAddr, app.VMID)
	if err != nil {
		p.dlog(appID, types.LogError, "discover_ip", "ip discovery failed: %v", err)
		return err
	}
	p.dlog(appID, types.LogInfo, "discover_ip", "container ip %s", app.ContainerIP)
	mark("discover_ip")

	// 13. Register reverse proxy
	if state.Degraded {
		app.DirectAccess = true
		app.URL = fmt.Sprintf("http://%s:%d", app.ContainerIP, cat.PrimaryPort)
		app.IframeURL = app.URL
		p.dlog(appID, types.LogWarning, "register_vhost", "proxy unavailable, direct access at %s", app.URL)
	} else {
		err = p.appliance.RegisterVHost(ctx, host, app.Hostname, app.ContainerIP, cat.PrimaryPort, app.PublicPort, app.InternalPort)
		if err != nil {
			p.dlog(appID, types.LogError, "register_vhost", "vhost registration failed: %v", err)
			return err
		}
		app.DirectAccess = false
		app.URL = fmt.Sprintf("http://%s:%d/", state.WANIP, app.PublicPort)
		app.IframeURL = fmt.Sprintf("http://%s:%d/", state.WANIP, app.InternalPort)
		p.dlog(appID, types.LogInfo, "register_vhost", "published at %s", app.URL)
	}
	mark("register_vhost")

	// 14. Persist and go running
	err = p.store.WithAppLock(appID, func() error {
		if err := p.store.UpdateApplication(app); err != nil {
			return err
		}
		return p.store.Transition(appID, types.StatusDeploying, types.StatusRunning)
	})
	if err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "finalize", "deployment complete")
	p.broker.Emit(events.EventAppRunning, appID, "deployed")
	return nil
}

// createLXC submits creation and waits, handling the already-exists
// conflict by reacquiring a fresh VMID once.
func (p *Pipelines) createLXC(ctx context.Context, client pve.Client, node string, spec pve.CreateLXCSpec, appID string) (bool, error) {
	task, err := client.CreateLXC(ctx, node, spec)
	if errdefs.IsConflict(err) {
		p.dlog(appID, types.LogWarning, "create_lxc", "vmid %d already exists on cluster, reacquiring", spec.VMID)
		if cerr := p.alloc.ReleaseVMID(appID); cerr != nil {
			return false, cerr
		}
		spec.VMID, err = p.alloc.AcquireVMID(ctx, client, appID)
		if err != nil {
			return false, err
		}
		task, err = client.CreateLXC(ctx, node, spec)
	}
	if err != nil {
		p.dlog(appID, types.LogError, "create_lxc", "creation failed: %v", err)
		return false, err
	}
	if err := client.WaitForTask(ctx, node, task, 5*time.Minute); err != nil {
		p.dlog(appID, types.LogError, "create_lxc", "creation task failed: %v", err)
		// The task may have partially created the container.
		return true, err
	}
	p.dlog(appID, types.LogInfo, "create_lxc", "container %d created", spec.VMID)
	return true, nil
}

// installRuntime installs and starts the container runtime inside the LXC,
// waiting until it answers.
func (p *Pipelines) installRuntime(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int) error {
	install := "command -v docker >/dev/null || " +
		"(apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq docker.io docker-compose-v2)"
	if _, err := p.execApp(ctx, host, nodeAddr, vmid, install); err != nil {
		return err
	}
	if _, err := p.execApp(ctx, host, nodeAddr, vmid, "systemctl enable --now docker"); err != nil {
		return err
	}
	for i := 0; i < runtimeWaitMax; i++ {
		res, err := p.runner.ExecInContainer(ctx, host, nodeAddr, vmid, "docker info >/dev/null 2>&1")
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		if err := sleep(ctx, 5*time.Second); err != nil {
			return err
		}
	}
	return errdefs.New(errdefs.KindExecFailed, "container runtime in vmid %d did not come up", vmid)
}

func (p *Pipelines) composePull(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int) error {
	pullCtx, cancel := context.WithTimeout(ctx, p.cfg.PullTimeout)
	defer cancel()
	_, err := p.execApp(pullCtx, host, nodeAddr, vmid, "docker compose -f "+compose.RemotePath+" pull")
	return err
}

func (p *Pipelines) composeUp(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int) error {
	upCtx, cancel := context.WithTimeout(ctx, p.cfg.UpTimeout)
	defer cancel()
	if _, err := p.execApp(upCtx, host, nodeAddr, vmid, "docker compose -f "+compose.RemotePath+" up -d --remove-orphans"); err != nil {
		return err
	}
	_, err := p.execApp(upCtx, host, nodeAddr, vmid, "docker compose -f "+compose.RemotePath+" ps")
	return err
}

// cleanupFailedDeploy undoes external state so a retry starts clean:
// destroy the container if one was created, then release ports and the
// VMID binding. The row survives for inspection.
func (p *Pipelines) cleanupFailedDeploy(logger zerolog.Logger, app *types.Application, host *types.ProxmoxHost, client pve.Client, node string, created bool) {
	// Detached context: cleanup must run even when the attempt was
	// canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if created && node != "" && app.VMID != 0 {
		if task, err := client.StopLXC(ctx, node, app.VMID); err == nil {
			_ = client.WaitForTask(ctx, node, task, time.Minute)
		}
		if task, err := client.DeleteLXC(ctx, node, app.VMID, true); err == nil {
			if werr := client.WaitForTask(ctx, node, task, 2*time.Minute); werr != nil {
				logger.Warn().Err(werr).Int("vmid", app.VMID).Msg("cleanup delete task failed")
			}
		} else if !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Int("vmid", app.VMID).Msg("cleanup could not delete container")
		}
	}
	if err := p.alloc.ReleasePorts(app.ID); err != nil {
		logger.Warn().Err(err).Msg("cleanup could not release ports")
	}
	if err := p.alloc.ReleaseVMID(app.ID); err != nil {
		logger.Warn().Err(err).Msg("cleanup could not clear vmid")
	}
	p.dlog(app.ID, types.LogWarning, "cleanup", "compensating cleanup finished")
}
