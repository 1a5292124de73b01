package deploy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/types"
)

const powerSettleWait = 5 * time.Second

// StartJob powers a stopped application on.
func (p *Pipelines) StartJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobStart,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runStart(ctx, appID)
		},
	}
}

func (p *Pipelines) runStart(ctx context.Context, appID string) error {
	app, _, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusStopped {
		return errdefs.StateInvalid(string(app.Status), "start")
	}

	task, err := client.StartLXC(ctx, app.NodeName, app.VMID)
	if err != nil {
		return err
	}
	if err := client.WaitForTask(ctx, app.NodeName, task, 2*time.Minute); err != nil {
		return err
	}
	if err := sleep(ctx, powerSettleWait); err != nil {
		return err
	}

	err = p.store.WithAppLock(appID, func() error {
		return p.store.Transition(appID, types.StatusStopped, types.StatusRunning)
	})
	if err != nil {
		return err
	}
	p.broker.Emit(events.EventAppRunning, appID, "started")
	return nil
}

// StopJob powers a running application off.
func (p *Pipelines) StopJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobStop,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			return p.runStop(ctx, appID)
		},
	}
}

func (p *Pipelines) runStop(ctx context.Context, appID string) error {
	app, _, client, err := p.loadAppHost(appID)
	if err != nil {
		return err
	}
	if app.Status != types.StatusRunning {
		return errdefs.StateInvalid(string(app.Status), "stop")
	}

	task, err := client.ShutdownLXC(ctx, app.NodeName, app.VMID)
	if err != nil {
		return err
	}
	if err := client.WaitForTask(ctx, app.NodeName, task, 2*time.Minute); err != nil {
		// Graceful shutdown can hang on a broken workload; force stop.
		task, err = client.StopLXC(ctx, app.NodeName, app.VMID)
		if err != nil {
			return err
		}
		if err := client.WaitForTask(ctx, app.NodeName, task, time.Minute); err != nil {
			return err
		}
	}
	if err := sleep(ctx, powerSettleWait); err != nil {
		return err
	}

	err = p.store.WithAppLock(appID, func() error {
		return p.store.Transition(appID, types.StatusRunning, types.StatusStopped)
	})
	if err != nil {
		return err
	}
	p.broker.Emit(events.EventAppStopped, appID, "stopped")
	return nil
}

// RestartJob stops then starts. The stop is never skipped.
func (p *Pipelines) RestartJob(appID string) *jobs.Job {
	return &jobs.Job{
		AppID:       appID,
		Kind:        types.JobRestart,
		MaxAttempts: p.cfg.JobMaxAttempts,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			if err := p.runStop(ctx, appID); err != nil {
				return err
			}
			if err := sleep(ctx, 2*time.Second); err != nil {
				return err
			}
			return p.runStart(ctx, appID)
		},
	}
}
