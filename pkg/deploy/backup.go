package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/types"
)

// BackupJob snapshots the application into a vzdump archive.
func (p *Pipelines) BackupJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobBackup,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			app, host, client, err := p.loadAppHost(appID)
			if err != nil {
				return err
			}
			_, err = p.performBackup(ctx, app, host, client, "manual", p.cfg.BackupDeadline)
			return err
		},
	}
}

// performBackup runs one vzdump and records it. Shared by the manual
// backup job and the pre-update gate.
func (p *Pipelines) performBackup(ctx context.Context, app *types.Application, host *types.ProxmoxHost, client pve.Client, kind string, deadline time.Duration) (*types.Backup, error) {
	storageName, err := p.selectBackupStorage(ctx, client, app.NodeName)
	if err != nil {
		return nil, err
	}

	b := &types.Backup{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		StorageName:   storageName,
		Kind:          kind,
		Status:        types.BackupCreating,
		CreatedAt:     time.Now(),
	}
	if err := p.store.CreateBackup(b); err != nil {
		return nil, err
	}

	fail := func(cause error) (*types.Backup, error) {
		b.Status = types.BackupFailed
		b.ErrorMessage = cause.Error()
		if uerr := p.store.UpdateBackup(b); uerr != nil {
			p.logger.Warn().Err(uerr).Str("backup_id", b.ID).Msg("could not record backup failure")
		}
		p.broker.Emit(events.EventBackupFailed, app.ID, cause.Error())
		return nil, cause
	}

	task, err := client.Backup(ctx, app.NodeName, app.VMID, storageName, "snapshot", "zstd")
	if err != nil {
		return fail(err)
	}
	if err := client.WaitForTask(ctx, app.NodeName, task, deadline); err != nil {
		return fail(err)
	}

	// The task does not return the volid; find the newest archive for
	// this vmid.
	volumes, err := client.ListBackups(ctx, app.NodeName, storageName, app.VMID)
	if err != nil {
		return fail(err)
	}
	var newest *pve.BackupVolume
	for i := range volumes {
		if newest == nil || volumes[i].CreatedAt > newest.CreatedAt {
			newest = &volumes[i]
		}
	}
	if newest == nil {
		return fail(errdefs.NotFound("backup volume for vmid", app.Hostname))
	}

	b.VolID = newest.VolID
	b.Filename = newest.VolID
	b.SizeBytes = newest.Size
	b.Status = types.BackupAvailable
	b.CompletedAt = time.Now()
	if err := p.store.UpdateBackup(b); err != nil {
		return nil, err
	}
	p.broker.Emit(events.EventBackupCreated, app.ID, b.VolID)
	p.dlog(app.ID, types.LogInfo, "backup", "backup %s available (%d bytes)", b.VolID, b.SizeBytes)
	return b, nil
}

func (p *Pipelines) selectBackupStorage(ctx context.Context, client pve.Client, node string) (string, error) {
	storages, err := client.ListStorages(ctx, node)
	if err != nil {
		return "", err
	}
	var best string
	var bestAvail int64 = -1
	for _, s := range storages {
		if !s.Active || !s.SupportsBackups() {
			continue
		}
		if s.Available > bestAvail {
			bestAvail = s.Available
			best = s.Name
		}
	}
	if best == "" {
		return "", errdefs.New(errdefs.KindStorageUnavailable, "no storage on node %s accepts backups", node)
	}
	return best, nil
}

// RestoreJob recreates the container from a backup archive. A successful
// restore returns an update_failed application to running.
func (p *Pipelines) RestoreJob(appID, backupID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobRestore,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runRestore(ctx, appID, backupID)
		},
	}
}

func (p *Pipelines) runRestore(ctx context.Context, appID, backupID string) error {
	app, _, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	b, err := p.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if b.ApplicationID != appID {
		return errdefs.New(errdefs.KindConflict, "backup %s does not belong to application %s", backupID, appID)
	}
	if b.Status != types.BackupAvailable {
		return errdefs.StateInvalid(string(b.Status), "restore")
	}
	priorStatus := app.Status

	b.Status = types.BackupRestoring
	if err := p.store.UpdateBackup(b); err != nil {
		return err
	}
	p.dlog(appID, types.LogInfo, "restore", "restoring from %s", b.VolID)

	if task, err := client.StopLXC(ctx, app.NodeName, app.VMID); err == nil {
		_ = client.WaitForTask(ctx, app.NodeName, task, time.Minute)
	}

	task, err := client.Restore(ctx, app.NodeName, app.VMID, b.VolID, "")
	if err == nil {
		err = client.WaitForTask(ctx, app.NodeName, task, p.cfg.BackupDeadline)
	}
	if err != nil {
		b.Status = types.BackupAvailable
		_ = p.store.UpdateBackup(b)
		p.dlog(appID, types.LogError, "restore", "restore failed: %v", err)
		return err
	}

	task, err = client.StartLXC(ctx, app.NodeName, app.VMID)
	if err == nil {
		err = client.WaitForTask(ctx, app.NodeName, task, 2*time.Minute)
	}
	if err != nil {
		return err
	}

	b.Status = types.BackupAvailable
	if err := p.store.UpdateBackup(b); err != nil {
		return err
	}

	if priorStatus == types.StatusUpdateFailed {
		err = p.store.WithAppLock(appID, func() error {
			return p.store.Transition(appID, types.StatusUpdateFailed, types.StatusRunning)
		})
		if err != nil {
			return err
		}
	}
	p.dlog(appID, types.LogInfo, "restore", "restore complete")
	p.broker.Emit(events.EventAppRunning, appID, "restored")
	return nil
}
