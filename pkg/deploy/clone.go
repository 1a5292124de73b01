package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/types"
)

// CloneJob copies a source application into a fresh container. A full
// clone carries the workload, so the services are not recreated; only the
// container starts and the proxy entry is registered.
func (p *Pipelines) CloneJob(sourceID, newAppID string) *jobs.Job {
	return &jobs.Job{
		AppID:       newAppID,
		Kind:        types.JobClone,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runClone(ctx, logger, sourceID, newAppID)
		},
		OnTerminal: func(cause error) {
			// A failed clone leaves no trace: the shell row goes away
			// with its allocations.
			p.rollbackClone(newAppID)
		},
	}
}

func (p *Pipelines) runClone(ctx context.Context, logger zerolog.Logger, sourceID, newAppID string) (err error) {
	source, host, client, err := p.loadAppHost(sourceID)
	if err != nil {
		return err
	}
	if source.Status != types.StatusRunning && source.Status != types.StatusStopped {
		return errdefs.CloneAborted(fmt.Sprintf("source is %s", source.Status))
	}
	clone, err := p.store.GetApplication(newAppID)
	if err != nil {
		return err
	}
	node := source.NodeName
	nodeAddr := p.nodeAddr(host, node)

	created := false
	defer func() {
		if err != nil {
			p.cleanupFailedDeploy(logger, clone, host, client, node, created)
		}
	}()

	// Allocate ports and a VMID for the clone.
	clone.PublicPort, clone.InternalPort, err = p.alloc.AllocatePorts(newAppID)
	if err != nil {
		p.dlog(newAppID, types.LogError, "allocate_ports", "port allocation failed: %v", err)
		return err
	}
	clone.VMID, err = p.alloc.AcquireVMID(ctx, client, newAppID)
	if err != nil {
		p.dlog(newAppID, types.LogError, "acquire_vmid", "vmid acquisition failed: %v", err)
		return err
	}
	clone.NodeName = node
	if err = p.store.UpdateApplication(clone); err != nil {
		return err
	}
	p.dlog(newAppID, types.LogInfo, "acquire_vmid", "cloning %s (vmid %d) to vmid %d", source.Hostname, source.VMID, clone.VMID)

	// A running source needs a temporary snapshot for a consistent copy.
	snapName := ""
	if source.Status == types.StatusRunning {
		snapName = fmt.Sprintf("prox_clone_temp_%d", time.Now().Unix())
		task, serr := client.Snapshot(ctx, node, source.VMID, snapName)
		if serr == nil {
			serr = client.WaitForTask(ctx, node, task, 2*time.Minute)
		}
		if serr != nil {
			p.dlog(newAppID, types.LogError, "snapshot", "temporary snapshot failed: %v", serr)
			return serr
		}
		p.dlog(newAppID, types.LogInfo, "snapshot", "temporary snapshot %s", snapName)
	}

	// The snapshot must never outlive the job, success or failure. A
	// deletion failure is surfaced with the manual cleanup command.
	defer func() {
		if snapName == "" {
			return
		}
		delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		task, derr := client.DeleteSnapshot(delCtx, node, source.VMID, snapName)
		if derr == nil {
			derr = client.WaitForTask(delCtx, node, task, 2*time.Minute)
		}
		if derr != nil {
			cleanup := fmt.Sprintf("pct delsnapshot %d %s", source.VMID, snapName)
			logger.Error().Str("severity", "critical").Err(derr).
				Str("snapshot", snapName).Str("manual_cleanup", cleanup).
				Msg("temporary clone snapshot not deleted")
			p.dlog(newAppID, types.LogError, "snapshot_cleanup",
				"temporary snapshot %s not deleted, run: %s", snapName, cleanup)
		}
	}()

	created, err = p.cloneLXC(ctx, client, node, source.VMID, clone, snapName)
	if err != nil {
		return err
	}

	if err = p.patchLXCConfig(ctx, host, nodeAddr, clone.VMID); err != nil {
		p.dlog(newAppID, types.LogError, "patch_config", "config patch failed: %v", err)
		return err
	}

	task, err := client.StartLXC(ctx, node, clone.VMID)
	if err == nil {
		err = client.WaitForTask(ctx, node, task, 2*time.Minute)
	}
	if err != nil {
		p.dlog(newAppID, types.LogError, "start_lxc", "start failed: %v", err)
		return err
	}
	if err = sleep(ctx, bootSettleWait); err != nil {
		return err
	}
	p.dlog(newAppID, types.LogInfo, "start_lxc", "clone started")

	clone.ContainerIP, err = p.discoverContainerIP(ctx, host, nodeAddr, clone.VMID)
	if err != nil {
		p.dlog(newAppID, types.LogError, "discover_ip", "ip discovery failed: %v", err)
		return err
	}

	cat, err := p.catalog.Get(clone.CatalogID)
	if err != nil {
		return err
	}
	state := p.appliance.CurrentState(host.ID)
	if state == nil || state.Degraded {
		clone.DirectAccess = true
		clone.URL = fmt.Sprintf("http://%s:%d", clone.ContainerIP, cat.PrimaryPort)
		clone.IframeURL = clone.URL
	} else {
		err = p.appliance.RegisterVHost(ctx, host, clone.Hostname, clone.ContainerIP, cat.PrimaryPort, clone.PublicPort, clone.InternalPort)
		if err != nil {
			p.dlog(newAppID, types.LogError, "register_vhost", "vhost registration failed: %v", err)
			return err
		}
		clone.URL = fmt.Sprintf("http://%s:%d/", state.WANIP, clone.PublicPort)
		clone.IframeURL = fmt.Sprintf("http://%s:%d/", state.WANIP, clone.InternalPort)
	}

	err = p.store.WithAppLock(newAppID, func() error {
		if err := p.store.UpdateApplication(clone); err != nil {
			return err
		}
		return p.store.Transition(newAppID, types.StatusCloning, types.StatusRunning)
	})
	if err != nil {
		return err
	}
	p.dlog(newAppID, types.LogInfo, "finalize", "clone complete")
	p.broker.Emit(events.EventAppRunning, newAppID, "cloned from "+source.Hostname)
	return nil
}

func (p *Pipelines) cloneLXC(ctx context.Context, client pve.Client, node string, srcVMID int, clone *types.Application, snapName string) (bool, error) {
	task, err := client.CloneLXC(ctx, node, srcVMID, clone.VMID, clone.Hostname, snapName, true)
	if err != nil {
		p.dlog(clone.ID, types.LogError, "clone_lxc", "clone failed: %v", err)
		return false, err
	}
	if err := client.WaitForTask(ctx, node, task, 10*time.Minute); err != nil {
		p.dlog(clone.ID, types.LogError, "clone_lxc", "clone task failed: %v", err)
		return true, err
	}
	p.dlog(clone.ID, types.LogInfo, "clone_lxc", "container %d cloned", clone.VMID)
	return true, nil
}

// rollbackClone removes the shell row after a terminal clone failure. The
// ports and VMID were already released by the per-attempt cleanup.
func (p *Pipelines) rollbackClone(newAppID string) {
	err := p.store.WithAppLock(newAppID, func() error {
		return p.store.DeleteApplication(newAppID)
	})
	if err != nil && !errdefs.IsNotFound(err) {
		p.logger.Error().Err(err).Str("app_id", newAppID).Msg("could not remove failed clone row")
	}
}
