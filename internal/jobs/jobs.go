// Package jobs runs the database-backed job queue. Jobs survive process
// restarts, and the atomic claim in the store lets several engine
// processes share one queue: each due job is executed by exactly one
// worker, and a crashed worker's claim expires after the lock lifetime.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mmengine/internal/metrics"
	"mmengine/internal/store"
	"mmengine/pkg/period"
)

// DefaultPollInterval is the queue poll cadence.
const DefaultPollInterval = 2 * time.Second

// DefaultLockLifetime is how long a claim protects a job before another
// worker may steal it. Generous on purpose: stealing a live job is far
// worse than re-running a dead one late.
const DefaultLockLifetime = 10 * period.Hour

// Processor executes one job. The data payload is the JSON string the
// job was created with.
type Processor func(ctx context.Context, data string) error

// Orchestrator polls the queue and dispatches claimed jobs to their
// registered processors.
type Orchestrator struct {
	store        *store.Store
	logger       *slog.Logger
	pollInterval time.Duration
	lockLifetime int64
	now          func() int64

	mu    sync.Mutex
	procs map[string]Processor

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an orchestrator with the default poll and lock settings.
func New(st *store.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        st,
		logger:       logger.With("component", "jobs"),
		pollInterval: DefaultPollInterval,
		lockLifetime: DefaultLockLifetime,
		now:          func() int64 { return time.Now().UnixMilli() },
		procs:        make(map[string]Processor),
	}
}

// Configure overrides the poll cadence and lock lifetime. Call before
// Start.
func (o *Orchestrator) Configure(poll, lockLifetime time.Duration) {
	if poll > 0 {
		o.pollInterval = poll
	}
	if lockLifetime > 0 {
		o.lockLifetime = lockLifetime.Milliseconds()
	}
}

// Define registers the processor for a job name. Claimed jobs without a
// processor are released with an error and retried on their schedule.
func (o *Orchestrator) Define(name string, proc Processor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.procs[name] = proc
}

// CreateJob enqueues a one-shot job due immediately.
func (o *Orchestrator) CreateJob(name, data string) error {
	return o.store.CreateJob(&store.JobRecord{
		Name: name, Data: data, NextRunAt: o.now(),
	})
}

// CreateRepeatingJob enqueues a job that re-runs every interval. Calling
// it again with the same name and data is a no-op, so startup wiring can
// declare its schedule unconditionally.
func (o *Orchestrator) CreateRepeatingJob(name, data string, interval time.Duration) error {
	if _, err := o.store.FindJob(name, data); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}
	return o.store.CreateJob(&store.JobRecord{
		Name: name, Data: data,
		Interval:  interval.Milliseconds(),
		NextRunAt: o.now(),
	})
}

// Start launches the polling loop. Call Stop to drain it.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.runDue(ctx)
			}
		}
	}()
	o.logger.Info("job orchestrator started", "poll", o.pollInterval)
}

// Stop cancels the loop and waits for any in-flight job to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("job orchestrator stopped")
}

// runDue drains every currently runnable job. One job at a time keeps a
// single process from competing with itself for the shared mirror.
func (o *Orchestrator) runDue(ctx context.Context) {
	for {
		job, err := o.store.ClaimDueJob(o.now(), o.lockLifetime)
		if err == store.ErrNotFound {
			return
		}
		if err != nil {
			o.logger.Error("claim job failed", "error", err)
			return
		}
		o.runOne(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

func (o *Orchestrator) runOne(ctx context.Context, job *store.JobRecord) {
	o.mu.Lock()
	proc, ok := o.procs[job.Name]
	o.mu.Unlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no processor for job %q", job.Name)
	} else {
		start := time.Now()
		runErr = proc(ctx, job.Data)
		metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}

	outcome := "ok"
	errMsg := ""
	if runErr != nil {
		outcome = "error"
		errMsg = runErr.Error()
		o.logger.Error("job failed", "name", job.Name, "id", job.ID, "error", runErr)
	}
	metrics.JobRuns.WithLabelValues(job.Name, outcome).Inc()

	if err := o.store.FinishJob(job, o.now(), errMsg); err != nil {
		o.logger.Error("finish job failed", "name", job.Name, "id", job.ID, "error", err)
	}
}
