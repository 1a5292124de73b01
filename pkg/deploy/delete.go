package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/types"
)

const stopPollDeadline = 30 * time.Second

// DeleteJob tears the application down. It is deliberately resilient: a
// partially broken container must not leave the row behind, so failures
// after the container is gone are collected as warnings instead of
// aborting.
func (p *Pipelines) DeleteJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobDelete,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runDelete(ctx, appID)
		},
		OnTerminal: p.terminalError(appID, types.StatusRemoving),
	}
}

func (p *Pipelines) runDelete(ctx context.Context, appID string) error {
	app, host, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusRemoving {
		err = p.store.WithAppLock(appID, func() error {
			return p.store.Transition(appID, app.Status, types.StatusRemoving)
		})
		if err != nil {
			return err
		}
	}
	p.dlog(appID, types.LogInfo, "delete", "removing %s (vmid %d)", app.Hostname, app.VMID)

	var warnings []string
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		p.dlog(appID, types.LogWarning, "delete", "%s", msg)
		warnings = append(warnings, msg)
	}

	if app.VMID != 0 {
		// Stop and poll to confirmed-stopped, bounded.
		if task, serr := client.StopLXC(ctx, app.NodeName, app.VMID); serr == nil {
			_ = client.WaitForTask(ctx, app.NodeName, task, time.Minute)
		} else if !errdefs.IsNotFound(serr) {
			warn("stop failed: %v", serr)
		}
		deadline := time.Now().Add(stopPollDeadline)
		for time.Now().Before(deadline) {
			status, serr := client.LXCStatus(ctx, app.NodeName, app.VMID)
			if errdefs.IsNotFound(serr) || (serr == nil && status.Status == "stopped") {
				break
			}
			if err := sleep(ctx, 2*time.Second); err != nil {
				return err
			}
		}

		if task, derr := client.DeleteLXC(ctx, app.NodeName, app.VMID, true); derr == nil {
			if werr := client.WaitForTask(ctx, app.NodeName, task, 2*time.Minute); werr != nil {
				return werr
			}
		} else if !errdefs.IsNotFound(derr) {
			return derr
		}
		p.dlog(appID, types.LogInfo, "delete", "container destroyed")
	}

	// From here the container is gone; everything else degrades to
	// warnings so the row still goes away.
	if err := p.appliance.RemoveVHost(ctx, host, app.Hostname); err != nil {
		warn("vhost removal failed: %v", err)
	}
	if err := p.alloc.ReleasePorts(appID); err != nil {
		warn("port release failed: %v", err)
	}

	err = p.store.WithAppLock(appID, func() error {
		return p.store.DeleteApplication(appID)
	})
	if err != nil {
		return err
	}
	p.logger.Info().Str("app_id", appID).Str("hostname", app.Hostname).Int("warnings", len(warnings)).Msg("application deleted")
	p.broker.Emit(events.EventAppDeleted, appID, app.Hostname)

	// Tear the appliance down when this was the last application on the
	// host.
	remaining, lerr := p.store.ListApplicationsByHost(host.ID)
	if lerr == nil && len(remaining) == 0 {
		if terr := p.appliance.Teardown(ctx, host); terr != nil {
			p.logger.Warn().Err(terr).Str("host_id", host.ID).Msg("appliance teardown failed")
		}
	}
	return nil
}
