// Package jobs runs lifecycle pipelines asynchronously: a bounded worker
// pool, at most one in-flight job per application, durable job records and
// retry with exponential backoff for transient failures.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/metrics"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

// backoffBase is the first retry delay; attempt n waits base * 2^n.
const backoffBase = 60 * time.Second

// Fn executes one attempt of a job. It must honour ctx cancellation.
type Fn func(ctx context.Context, logger zerolog.Logger) error

// Job is one unit of asynchronous work bound to an application.
type Job struct {
	ID          string
	AppID       string
	Kind        types.JobKind
	MaxAttempts int
	Fn          Fn

	// OnTerminal runs once when the job fails for good, after the last
	// attempt. Pipelines use it to park the application in error state.
	OnTerminal func(err error)

	attempt int
}

// Runner owns the worker pool.
type Runner struct {
	store   storage.Store
	broker  *events.Broker
	workers int
	logger  zerolog.Logger

	queue  chan *Job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool   // app ids with a running attempt
	waiting  map[string][]*Job // app id -> queued jobs behind the running one
	timers   map[string]*time.Timer

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewRunner builds a runner with the given pool size.
func NewRunner(store storage.Store, broker *events.Broker, workers int) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		broker:     broker,
		workers:    workers,
		logger:     log.WithComponent("jobs"),
		queue:      make(chan *Job, 256),
		stopCh:     make(chan struct{}),
		inflight:   make(map[string]bool),
		waiting:    make(map[string][]*Job),
		timers:     make(map[string]*time.Timer),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Start launches the worker pool.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Info().Int("workers", r.workers).Msg("job runner started")
}

// Stop cancels outstanding jobs cooperatively and waits for the workers.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.rootCancel()

	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("job runner stopped")
}

// Enqueue schedules a job. Jobs for an application already in flight are
// held back until the running one finishes.
func (r *Runner) Enqueue(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}

	now := time.Now()
	if err := r.store.SaveJob(&types.JobRecord{
		JobID:         job.ID,
		ApplicationID: job.AppID,
		Kind:          job.Kind,
		Attempt:       0,
		MaxAttempts:   job.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return err
	}

	select {
	case r.queue <- job:
		return nil
	case <-r.stopCh:
		return errdefs.New(errdefs.KindCanceled, "runner is stopping")
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			if !r.tryAcquire(job.AppID) {
				r.hold(job)
				continue
			}
			r.run(job)
			r.release(job.AppID)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) tryAcquire(appID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[appID] {
		return false
	}
	r.inflight[appID] = true
	return true
}

func (r *Runner) hold(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting[job.AppID] = append(r.waiting[job.AppID], job)
}

// release frees the application slot and requeues the next held job.
func (r *Runner) release(appID string) {
	r.mu.Lock()
	delete(r.inflight, appID)
	var next *Job
	if held := r.waiting[appID]; len(held) > 0 {
		next = held[0]
		if len(held) == 1 {
			delete(r.waiting, appID)
		} else {
			r.waiting[appID] = held[1:]
		}
	}
	r.mu.Unlock()

	if next != nil {
		select {
		case r.queue <- next:
		case <-r.stopCh:
		}
	}
}

func (r *Runner) run(job *Job) {
	logger := log.WithJob(job.ID).With().
		Str("app_id", job.AppID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.attempt).
		Logger()

	metrics.JobsInFlight.Inc()
	start := time.Now()

	ctx, cancel := context.WithCancel(r.rootCtx)
	err := job.Fn(ctx, logger)
	cancel()

	metrics.JobsInFlight.Dec()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if err == nil {
		logger.Info().Dur("took", time.Since(start)).Msg("job completed")
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "success").Inc()
		if derr := r.store.DeleteJob(job.ID); derr != nil {
			logger.Warn().Err(derr).Msg("could not delete job record")
		}
		return
	}

	job.attempt++
	if errdefs.IsRetryable(err) && job.attempt < job.MaxAttempts {
		delay := backoffBase * (1 << (job.attempt - 1))
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job attempt failed, will retry")
		metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()
		r.broker.Emit(events.EventJobRetry, job.AppID, err.Error())
		r.recordAttempt(job, err, time.Now().Add(delay))
		r.scheduleRetry(job, delay)
		return
	}

	logger.Error().Err(err).Msg("job failed terminally")
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "failure").Inc()
	r.broker.Emit(events.EventJobFailed, job.AppID, err.Error())
	r.recordAttempt(job, err, time.Time{})
	if job.OnTerminal != nil {
		job.OnTerminal(err)
	}
}

func (r *Runner) recordAttempt(job *Job, err error, nextRetry time.Time) {
	rec, gerr := r.store.GetJob(job.ID)
	if gerr != nil {
		r.logger.Warn().Err(gerr).Str("job_id", job.ID).Msg("job record missing")
		return
	}
	rec.Attempt = job.attempt
	rec.LastError = err.Error()
	rec.NextRetryAt = nextRetry
	rec.UpdatedAt = time.Now()
	if serr := r.store.SaveJob(rec); serr != nil {
		r.logger.Warn().Err(serr).Str("job_id", job.ID).Msg("could not persist job record")
	}
}

func (r *Runner) scheduleRetry(job *Job, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[job.ID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, job.ID)
		r.mu.Unlock()
		select {
		case r.queue <- job:
		case <-r.stopCh:
		}
	})
}

// SurfaceInterrupted reports and clears job records left behind by a
// previous process. The jobs themselves are not replayed; pipelines are
// not resumable mid-flight, the janitor parks the affected applications.
func (r *Runner) SurfaceInterrupted() error {
	recs, err := r.store.ListJobs()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r.logger.Warn().
			Str("job_id", rec.JobID).
			Str("app_id", rec.ApplicationID).
			Str("kind", string(rec.Kind)).
			Int("attempt", rec.Attempt).
			Msg("job interrupted by previous shutdown, not resuming")
		if derr := r.store.DeleteJob(rec.JobID); derr != nil {
			r.logger.Warn().Err(derr).Str("job_id", rec.JobID).Msg("could not clear job record")
		}
	}
	return nil
}

// InFlight reports whether the application has a running attempt.
func (r *Runner) InFlight(appID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[appID]
}
