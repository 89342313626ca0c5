// Package worker runs task handlers against a colony queue: it polls for
// work, keeps the lease alive with heartbeats and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 30 * time.Second

	UnsupportedCommand = "unsupported command"
)

// ErrLeaseLost is the cancellation cause handed to a handler whose heartbeat
// was rejected. Its result is discarded.
var ErrLeaseLost = errors.New("worker: lease lost")

type Job struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Origin     string         `json:"origin"`
	Priority   string         `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RetryCount int            `json:"retry_count"`
	// HeartbeatInterval is the server's recommended interval for this
	// job's command. Zero when the queue does not provide one.
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
}

// Queue is the worker side of the claim protocol.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*Job, error)
	Heartbeat(ctx context.Context, taskID, workerID string) (bool, error)
	Complete(ctx context.Context, taskID, workerID string, result map[string]any) (bool, error)
	Fail(ctx context.Context, taskID, workerID, errMsg string) (bool, error)
	MarkAwaitingExternal(ctx context.Context, taskID, workerID, externalRequestID string) (bool, error)
}

// Handler executes one job. Returning AwaitExternal parks the task until the
// external system reports back.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

type awaitExternalError struct {
	requestID string
}

func (e *awaitExternalError) Error() string {
	return fmt.Sprintf("awaiting external request %s", e.requestID)
}

func AwaitExternal(externalRequestID string) error {
	return &awaitExternalError{requestID: externalRequestID}
}

type Runner struct {
	Queue       Queue
	WorkerID    string
	Handlers    map[string]Handler
	Concurrency int
	// HeartbeatInterval caps the interval given with each job. With neither
	// set, DefaultHeartbeatInterval applies.
	HeartbeatInterval time.Duration
	// Backoff builds the idle poll policy for each loop. Defaults to
	// exponential from 500ms up to 30s.
	Backoff func() backoff.BackOff
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialBackoff
	b.MaxInterval = DefaultMaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run polls until ctx is cancelled. A task in flight when ctx ends is left
// unreported and comes back through the stuck-task sweep.
func (r *Runner) Run(ctx context.Context) error {
	if r.Queue == nil {
		return errors.New("worker: queue is required")
	}
	if r.WorkerID == "" {
		return errors.New("worker: worker id is required")
	}

	n := r.Concurrency
	if n <= 0 {
		n = 1
	}

	zap.L().Info("[Worker] started", zap.String("worker_id", r.WorkerID), zap.Int("concurrency", n))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			r.loop(ctx)
			return nil
		})
	}
	err := g.Wait()

	zap.L().Info("[Worker] stopped", zap.String("worker_id", r.WorkerID))
	return err
}

func (r *Runner) loop(ctx context.Context) {
	newBackoff := r.Backoff
	if newBackoff == nil {
		newBackoff = defaultBackoff
	}
	b := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.Queue.Claim(ctx, r.WorkerID)
		if err != nil && ctx.Err() == nil {
			zap.L().Warn("[Worker] claim failed", zap.String("worker_id", r.WorkerID), zap.Error(err))
		}
		if err != nil || job == nil {
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		b.Reset()
		r.process(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = DefaultMaxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) process(ctx context.Context, job *Job) {
	log := zap.L().With(
		zap.String("task_id", job.ID),
		zap.String("worker_id", r.WorkerID),
		zap.String("command", job.Command),
	)

	handler, ok := r.Handlers[job.Command]
	if !ok {
		log.Warn("[Worker] no handler for command")
		r.report(log, "fail", func() (bool, error) {
			return r.Queue.Fail(ctx, job.ID, r.WorkerID, UnsupportedCommand)
		})
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.heartbeat(jobCtx, job, cancel, done, log)
	}()

	result, err := handler(jobCtx, job)
	close(done)
	<-stopped

	if errors.Is(context.Cause(jobCtx), ErrLeaseLost) {
		log.Warn("[Worker] lease lost, discarding result")
		return
	}
	if ctx.Err() != nil {
		log.Warn("[Worker] shutting down with task in flight")
		return
	}

	var await *awaitExternalError
	switch {
	case errors.As(err, &await):
		r.report(log, "await-external", func() (bool, error) {
			return r.Queue.MarkAwaitingExternal(ctx, job.ID, r.WorkerID, await.requestID)
		})
	case err != nil:
		log.Info("[Worker] handler failed", zap.Error(err))
		r.report(log, "fail", func() (bool, error) {
			return r.Queue.Fail(ctx, job.ID, r.WorkerID, err.Error())
		})
	default:
		r.report(log, "complete", func() (bool, error) {
			return r.Queue.Complete(ctx, job.ID, r.WorkerID, result)
		})
	}
}

func (r *Runner) heartbeat(ctx context.Context, job *Job, cancel context.CancelCauseFunc, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(r.heartbeatInterval(job))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.Queue.Heartbeat(ctx, job.ID, r.WorkerID)
			if err != nil {
				log.Warn("[Worker] heartbeat failed", zap.Error(err))
				continue
			}
			if !ok {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

// heartbeatInterval picks the shorter of the job's and the runner's interval.
func (r *Runner) heartbeatInterval(job *Job) time.Duration {
	interval := job.HeartbeatInterval
	if r.HeartbeatInterval > 0 && (interval <= 0 || r.HeartbeatInterval < interval) {
		interval = r.HeartbeatInterval
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return interval
}

func (r *Runner) report(log *zap.Logger, op string, call func() (bool, error)) {
	ok, err := call()
	switch {
	case err != nil:
		log.Error("[Worker] report failed", zap.String("op", op), zap.Error(err))
	case !ok:
		log.Warn("[Worker] report rejected", zap.String("op", op))
	default:
		log.Debug("[Worker] reported", zap.String("op", op))
	}
}
