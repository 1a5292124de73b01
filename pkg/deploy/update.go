package deploy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/health"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/types"
)

const probeSettleWait = 20 * time.Second

// UpdateJob pulls fresh images and recreates the services, gated on a
// successful pre-update backup.
func (p *Pipelines) UpdateJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobUpdate,
		MaxAttempts: 1, // updates are never retried blindly, rollback is explicit
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runUpdate(ctx, appID)
		},
	}
}

func (p *Pipelines) runUpdate(ctx context.Context, appID string) error {
	app, host, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusRunning {
		return errdefs.StateInvalid(string(app.Status), "update")
	}

	err = p.store.WithAppLock(appID, func() error {
		return p.store.Transition(appID, types.StatusRunning, types.StatusUpdating)
	})
	if err != nil {
		return err
	}
	p.broker.Emit(events.EventAppUpdating, appID, "update started")

	// Pre-update backup gate. The update never proceeds without one; a
	// failed backup aborts and restores running.
	p.dlog(appID, types.LogInfo, "pre_backup", "creating pre-update backup")
	backupCtx, cancel := context.WithTimeout(ctx, p.cfg.BackupWait)
	backup, berr := p.performBackup(backupCtx, app, host, client, "pre-update", p.cfg.BackupWait)
	cancel()
	if berr != nil {
		p.dlog(appID, types.LogError, "pre_backup", "backup failed, aborting update: %v", berr)
		if terr := p.store.WithAppLock(appID, func() error {
			return p.store.Transition(appID, types.StatusUpdating, types.StatusRunning)
		}); terr != nil {
			return terr
		}
		return errdefs.UpdateAborted("pre-backup failed: " + berr.Error())
	}
	p.dlog(appID, types.LogInfo, "pre_backup", "backup %s ready", backup.VolID)

	nodeAddr := p.nodeAddr(host, app.NodeName)
	fail := func(step string, cause error) error {
		p.dlog(appID, types.LogError, step, "update failed: %v", cause)
		if terr := p.store.WithAppLock(appID, func() error {
			return p.store.Transition(appID, types.StatusUpdating, types.StatusUpdateFailed)
		}); terr != nil {
			return terr
		}
		p.broker.Emit(events.EventAppUpdateFailed, appID, cause.Error())
		return cause
	}

	// Pull latest images.
	if err := p.composePull(ctx, host, nodeAddr, app.VMID); err != nil {
		return fail("compose_pull", err)
	}
	p.dlog(appID, types.LogInfo, "compose_pull", "images pulled")

	// Recreate with orphan removal.
	if err := p.composeUp(ctx, host, nodeAddr, app.VMID); err != nil {
		return fail("compose_up", err)
	}
	p.dlog(appID, types.LogInfo, "compose_up", "services recreated")

	// Best-effort health probe against the published URL.
	if app.URL == "" {
		p.dlog(appID, types.LogWarning, "health_probe", "no URL known, skipping probe")
	} else {
		if err := sleep(ctx, probeSettleWait); err != nil {
			return fail("health_probe", err)
		}
		result := health.NewHTTPChecker(app.URL).Check(ctx)
		if !result.Healthy {
			return fail("health_probe", errdefs.New(errdefs.KindUnknown, "probe against %s: %s", app.URL, result.Message))
		}
		p.dlog(appID, types.LogInfo, "health_probe", "%s", result.Message)
	}

	err = p.store.WithAppLock(appID, func() error {
		return p.store.Transition(appID, types.StatusUpdating, types.StatusRunning)
	})
	if err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "finalize", "update complete")
	p.broker.Emit(events.EventAppRunning, appID, "updated")
	return nil
}
