package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgasynq "colony-tasks/pkg/asynq"
	"colony-tasks/pkg/config"
	"colony-tasks/pkg/taskname"

	"github.com/hibiken/asynq"
)

// FinishedPayload is the body of colony:task:completed and
// colony:task:failed events.
type FinishedPayload struct {
	TaskID      string         `json:"task_id"`
	Command     string         `json:"command"`
	Origin      string         `json:"origin"`
	Status      Status         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func NewFinishedPayload(t *Task) FinishedPayload {
	p := FinishedPayload{
		TaskID:      t.ID,
		Command:     t.Command,
		Origin:      t.Origin,
		Status:      t.Status,
		Metadata:    t.Metadata,
		Result:      t.Result,
		CompletedAt: t.CompletedAt,
	}
	if t.Error != nil {
		p.Error = *t.Error
	}
	return p
}

// AsynqNotifier publishes finished tasks to the events queue so producers
// can react without polling.
type AsynqNotifier struct {
	enqueuer pkgasynq.Enqueuer
	queue    string
}

func NewAsynqNotifier(enqueuer pkgasynq.Enqueuer, cfg *config.Config) *AsynqNotifier {
	return &AsynqNotifier{enqueuer: enqueuer, queue: cfg.Queue.EventsQueue}
}

func (n *AsynqNotifier) TaskFinished(ctx context.Context, t *Task) error {
	var typename string
	switch t.Status {
	case StatusCompleted:
		typename = taskname.ColonyTaskCompleted
	case StatusFailed:
		typename = taskname.ColonyTaskFailed
	default:
		return fmt.Errorf("task %s is %s, not finished", t.ID, t.Status)
	}

	payload, err := json.Marshal(NewFinishedPayload(t))
	if err != nil {
		return fmt.Errorf("marshal finished payload: %w", err)
	}

	_, err = n.enqueuer.EnqueueContext(ctx, asynq.NewTask(typename, payload),
		asynq.Queue(n.queue),
		asynq.MaxRetry(5),
		asynq.TaskID(fmt.Sprintf("%s:%s", typename, t.ID)),
	)
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}
