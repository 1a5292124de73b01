package deploy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/types"
)

// AdoptJob imports an unmanaged container. The row already exists in
// adopting with the container's VMID; the job allocates ports, wires the
// proxy and settles the status on the container's actual state.
func (p *Pipelines) AdoptJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobAdopt,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runAdopt(ctx, appID)
		},
		OnTerminal: p.terminalError(appID, types.StatusAdopting),
	}
}

func (p *Pipelines) runAdopt(ctx context.Context, appID string) error {
	app, host, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusAdopting {
		return errdefs.StateInvalid(string(app.Status), "adopt")
	}

	status, err := client.LXCStatus(ctx, app.NodeName, app.VMID)
	if err != nil {
		p.dlog(appID, types.LogError, "adopt", "container %d not reachable: %v", app.VMID, err)
		return err
	}

	app.PublicPort, app.InternalPort, err = p.alloc.AllocatePorts(appID)
	if err != nil {
		p.dlog(appID, types.LogError, "allocate_ports", "port allocation failed: %v", err)
		return err
	}

	exposedPort := 80
	if len(app.Ports) > 0 {
		exposedPort = app.Ports[0]
	}

	if status.Status == "running" {
		nodeAddr := p.nodeAddr(host, app.NodeName)
		app.ContainerIP, err = p.discoverContainerIP(ctx, host, nodeAddr, app.VMID)
		if err != nil {
			p.dlog(appID, types.LogWarning, "discover_ip", "ip discovery failed, direct access unavailable: %v", err)
		}
	}

	state := p.appliance.CurrentState(host.ID)
	switch {
	case app.ContainerIP == "":
		app.DirectAccess = true
	case state == nil || state.Degraded:
		app.DirectAccess = true
		app.URL = fmt.Sprintf("http://%s:%d", app.ContainerIP, exposedPort)
		app.IframeURL = app.URL
	default:
		err = p.appliance.RegisterVHost(ctx, host, app.Hostname, app.ContainerIP, exposedPort, app.PublicPort, app.InternalPort)
		if err != nil {
			p.dlog(appID, types.LogError, "register_vhost", "vhost registration failed: %v", err)
			return err
		}
		app.DirectAccess = false
		app.URL = fmt.Sprintf("http://%s:%d/", state.WANIP, app.PublicPort)
		app.IframeURL = fmt.Sprintf("http://%s:%d/", state.WANIP, app.InternalPort)
	}

	// Settle on the container's actual state.
	target := types.StatusStopped
	if status.Status == "running" {
		target = types.StatusRunning
	}
	err = p.store.WithAppLock(appID, func() error {
		if err := p.store.UpdateApplication(app); err != nil {
			return err
		}
		return p.store.Transition(appID, types.StatusAdopting, target)
	})
	if err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "finalize", "adopted vmid %d as %s (%s)", app.VMID, app.Hostname, target)
	p.broker.Emit(events.EventAppRunning, appID, "adopted")
	return nil
}
