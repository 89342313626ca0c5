package task

import (
	"context"

	"colony-tasks/pkg/worker"
)

// WorkerQueue exposes the service to in-process workers.
func (s *Service) WorkerQueue() worker.Queue {
	return &workerQueue{svc: s}
}

type workerQueue struct {
	svc *Service
}

func (q *workerQueue) Claim(ctx context.Context, workerID string) (*worker.Job, error) {
	t, err := q.svc.Claim(ctx, workerID)
	if err != nil || t == nil {
		return nil, err
	}
	job := ToJob(t)
	job.HeartbeatInterval = q.svc.HeartbeatInterval(t.Command)
	return job, nil
}

func (q *workerQueue) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	return q.svc.Heartbeat(ctx, taskID, workerID)
}

func (q *workerQueue) Complete(ctx context.Context, taskID, workerID string, result map[string]any) (bool, error) {
	return q.svc.Complete(ctx, taskID, workerID, result)
}

func (q *workerQueue) Fail(ctx context.Context, taskID, workerID, errMsg string) (bool, error) {
	return q.svc.Fail(ctx, taskID, workerID, errMsg)
}

func (q *workerQueue) MarkAwaitingExternal(ctx context.Context, taskID, workerID, externalRequestID string) (bool, error) {
	return q.svc.MarkAwaitingExternal(ctx, taskID, workerID, externalRequestID)
}

func ToJob(t *Task) *worker.Job {
	return &worker.Job{
		ID:         t.ID,
		Command:    t.Command,
		Origin:     t.Origin,
		Priority:   string(t.Priority),
		Metadata:   t.Metadata,
		RetryCount: t.RetryCount,
	}
}
