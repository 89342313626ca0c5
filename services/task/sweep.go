package task

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Sweep requeues or fails processing tasks whose heartbeat is older than
// their command's liveness window. Running it twice, or from two places at
// once, never double-handles a task.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span, log := s.start(ctx, "task.Sweep")
	defer span.End()

	var res SweepResult
	now := s.clock()
	coarse := now.Add(-s.queue.MinLivenessWindow())

	var after *stuckCursor
	for {
		rows, err := s.store.stuck(ctx, coarse, after, s.queue.SweepBatch)
		if err != nil {
			log.Error("failed to scan stuck tasks", zap.Error(err))
			return res, err
		}

		for _, t := range rows {
			res.Scanned++
			if !s.isStuck(t, now) {
				continue
			}
			if err := s.recoverStuck(ctx, t, now, &res); err != nil {
				return res, err
			}
		}

		if s.queue.SweepBatch <= 0 || len(rows) < s.queue.SweepBatch {
			break
		}
		// Rows passed over for a longer per-command window stay behind the
		// cursor, so the next page always moves forward.
		last := rows[len(rows)-1]
		after = &stuckCursor{heartbeat: *last.LastHeartbeat, id: last.ID}
	}

	if s.queue.ExternalTimeout > 0 {
		if err := s.expireExternal(ctx, now, &res); err != nil {
			return res, err
		}
	}

	if res.Requeued > 0 || res.Abandoned > 0 || res.Expired > 0 {
		log.Info("sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("requeued", res.Requeued),
			zap.Int("abandoned", res.Abandoned),
			zap.Int("expired", res.Expired),
		)
	}
	return res, nil
}

func (s *Service) recoverStuck(ctx context.Context, t *Task, now time.Time, res *SweepResult) error {
	cutoff := s.cutoffFor(t.Command, now)
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("worker_id", *t.WorkerID),
		zap.String("command", t.Command),
		zap.Int("retry_count", t.RetryCount),
	}

	if t.RetryCount < s.queue.MaxRetriesFor(t.Command) {
		ok, err := s.store.requeue(ctx, t, cutoff, now)
		if err != nil {
			zap.L().Error("failed to requeue stuck task", append(fields, zap.Error(err))...)
			return err
		}
		if ok {
			res.Requeued++
			add(ctx, s.metrics.requeued, attribute.String("command", t.Command))
			zap.L().Warn("stuck task requeued", fields...)
		}
		return nil
	}

	ok, err := s.store.abandon(ctx, t, cutoff, now, reasonHeartbeatTimeout)
	if err != nil {
		zap.L().Error("failed to abandon stuck task", append(fields, zap.Error(err))...)
		return err
	}
	if ok {
		res.Abandoned++
		add(ctx, s.metrics.abandoned, attribute.String("command", t.Command), attribute.String("reason", "heartbeat"))
		zap.L().Warn("stuck task abandoned", fields...)
		s.finished(ctx, t.ID)
	}
	return nil
}

func (s *Service) expireExternal(ctx context.Context, now time.Time, res *SweepResult) error {
	cutoff := now.Add(-s.queue.ExternalTimeout)
	rows, err := s.store.expiredExternal(ctx, cutoff, s.queue.SweepBatch)
	if err != nil {
		zap.L().Error("failed to scan external tasks", zap.Error(err))
		return err
	}

	for _, t := range rows {
		ok, err := s.store.expireExternal(ctx, t, cutoff, now, reasonExternalTimeout)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		res.Expired++
		add(ctx, s.metrics.abandoned, attribute.String("command", t.Command), attribute.String("reason", "external"))
		zap.L().Warn("external task timed out", zap.String("task_id", t.ID), zap.String("command", t.Command))
		s.finished(ctx, t.ID)
	}
	return nil
}
