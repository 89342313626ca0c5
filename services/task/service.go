package task

import (
	"context"
	"errors"
	"strings"
	"time"

	"colony-tasks/pkg/config"
	"colony-tasks/pkg/db/pagination"
	"colony-tasks/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reasonHeartbeatTimeout = "abandoned: heartbeat timeout"
	reasonExternalTimeout  = "abandoned: external job timeout"
)

// Notifier is told about every task that reaches completed or failed.
type Notifier interface {
	TaskFinished(ctx context.Context, t *Task) error
}

// Service is the only code path that mutates colony_tasks.
type Service struct {
	store    *store
	node     *snowflake.Node
	queue    config.Queue
	notifier Notifier
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Notifier Notifier `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		store:    newStore(p.DB),
		node:     p.Node,
		queue:    p.Config.Queue,
		notifier: p.Notifier,
		metrics:  newMetrics(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *zap.Logger) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	log := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
	return ctx, span, log
}

// Enqueue stores a new pending task and returns its id.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	ctx, span, log := s.start(ctx, "task.Enqueue", attribute.String("command", req.Command))
	defer span.End()

	command := strings.TrimSpace(req.Command)
	if command == "" {
		return "", errutil.ValidationFailed("command is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "command", Message: "must not be empty"}))
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return "", errutil.ValidationFailed("invalid priority", err,
			errutil.WithDetails(errutil.Detail{Field: "priority", Message: "must be one of low, normal, high, critical"}))
	}

	now := s.clock()
	t := &Task{
		ID:           s.node.Generate().String(),
		Command:      command,
		Origin:       req.Origin,
		Status:       StatusPending,
		Priority:     priority,
		PriorityRank: priority.Rank(),
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.create(ctx, t); err != nil {
		log.Error("failed to enqueue task", zap.String("command", command), zap.Error(err))
		return "", err
	}

	add(ctx, s.metrics.enqueued, attribute.String("command", command), attribute.String("priority", string(priority)))
	log.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("command", command),
		zap.String("priority", string(priority)),
		zap.String("origin", req.Origin),
	)
	return t.ID, nil
}

// Claim leases the highest-priority, oldest pending task to workerID.
// It returns nil, nil when nothing is pending.
func (s *Service) Claim(ctx context.Context, workerID string) (*Task, error) {
	ctx, span, log := s.start(ctx, "task.Claim", attribute.String("worker_id", workerID))
	defer span.End()

	if strings.TrimSpace(workerID) == "" {
		return nil, errutil.ValidationFailed("worker_id is required", nil)
	}

	t, err := s.store.claim(ctx, workerID, s.clock(), s.queue.ClaimAttempts)
	if err != nil {
		log.Error("failed to claim task", zap.String("worker_id", workerID), zap.Error(err))
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	add(ctx, s.metrics.claimed, attribute.String("command", t.Command))
	log.Info("task claimed",
		zap.String("task_id", t.ID),
		zap.String("worker_id", workerID),
		zap.String("command", t.Command),
	)
	return t, nil
}

// Heartbeat refreshes the lease. False means the worker no longer owns a
// processing task with this id and should stop working on it.
func (s *Service) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	ctx, span, log := s.start(ctx, "task.Heartbeat", attribute.String("task_id", taskID))
	defer span.End()

	if err := requireIDs(taskID, workerID); err != nil {
		return false, err
	}

	ok, err := s.store.heartbeat(ctx, taskID, workerID, s.clock())
	if err != nil {
		log.Error("failed to heartbeat", zap.String("task_id", taskID), zap.Error(err))
		return false, err
	}
	if !ok {
		log.Warn("heartbeat rejected", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	}
	return ok, nil
}

func (s *Service) Complete(ctx context.Context, taskID, workerID string, result map[string]any) (bool, error) {
	ctx, span, log := s.start(ctx, "task.Complete", attribute.String("task_id", taskID))
	defer span.End()

	if err := requireIDs(taskID, workerID); err != nil {
		return false, err
	}

	ok, err := s.store.finishByWorker(ctx, taskID, workerID, StatusCompleted, s.clock(), result, nil)
	if err != nil {
		log.Error("failed to complete task", zap.String("task_id", taskID), zap.Error(err))
		return false, err
	}
	if !ok {
		log.Warn("completion rejected", zap.String("task_id", taskID), zap.String("worker_id", workerID))
		return false, nil
	}

	log.Info("task completed", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	s.finished(ctx, taskID)
	return true, nil
}

// Fail records errMsg verbatim. The task is not retried.
func (s *Service) Fail(ctx context.Context, taskID, workerID, errMsg string) (bool, error) {
	ctx, span, log := s.start(ctx, "task.Fail", attribute.String("task_id", taskID))
	defer span.End()

	if err := requireIDs(taskID, workerID); err != nil {
		return false, err
	}

	ok, err := s.store.finishByWorker(ctx, taskID, workerID, StatusFailed, s.clock(), nil, &errMsg)
	if err != nil {
		log.Error("failed to fail task", zap.String("task_id", taskID), zap.Error(err))
		return false, err
	}
	if !ok {
		log.Warn("failure report rejected", zap.String("task_id", taskID), zap.String("worker_id", workerID))
		return false, nil
	}

	log.Info("task failed", zap.String("task_id", taskID), zap.String("worker_id", workerID), zap.String("error", errMsg))
	s.finished(ctx, taskID)
	return true, nil
}

// MarkAwaitingExternal parks a processing task until an external system
// reports back under externalRequestID. Heartbeats stop being required.
func (s *Service) MarkAwaitingExternal(ctx context.Context, taskID, workerID, externalRequestID string) (bool, error) {
	ctx, span, log := s.start(ctx, "task.MarkAwaitingExternal", attribute.String("task_id", taskID))
	defer span.End()

	if err := requireIDs(taskID, workerID); err != nil {
		return false, err
	}
	if strings.TrimSpace(externalRequestID) == "" {
		return false, errutil.ValidationFailed("external_request_id is required", nil)
	}

	ok, err := s.store.markAwaitingExternal(ctx, taskID, workerID, externalRequestID, s.clock())
	if err != nil {
		log.Error("failed to mark task awaiting external", zap.String("task_id", taskID), zap.Error(err))
		return false, err
	}
	if !ok {
		log.Warn("await external rejected",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("external_request_id", externalRequestID),
		)
		return false, nil
	}
	log.Info("task awaiting external job",
		zap.String("task_id", taskID),
		zap.String("external_request_id", externalRequestID),
	)
	return true, nil
}

// CompleteExternal resolves the async_waiting task holding externalRequestID.
func (s *Service) CompleteExternal(ctx context.Context, externalRequestID string, result map[string]any) (bool, error) {
	return s.finishExternal(ctx, "task.CompleteExternal", externalRequestID, StatusCompleted, result, nil)
}

func (s *Service) FailExternal(ctx context.Context, externalRequestID, errMsg string) (bool, error) {
	return s.finishExternal(ctx, "task.FailExternal", externalRequestID, StatusFailed, nil, &errMsg)
}

func (s *Service) finishExternal(ctx context.Context, op, externalRequestID string, to Status, result map[string]any, errMsg *string) (bool, error) {
	ctx, span, log := s.start(ctx, op, attribute.String("external_request_id", externalRequestID))
	defer span.End()

	if strings.TrimSpace(externalRequestID) == "" {
		return false, errutil.ValidationFailed("external_request_id is required", nil)
	}

	id, ok, err := s.store.finishByExternal(ctx, externalRequestID, to, s.clock(), result, errMsg)
	if err != nil {
		log.Error("failed to finish external task", zap.String("external_request_id", externalRequestID), zap.Error(err))
		return false, err
	}
	if !ok {
		log.Warn("external result rejected", zap.String("external_request_id", externalRequestID))
		return false, nil
	}

	log.Info("external task finished",
		zap.String("task_id", id),
		zap.String("external_request_id", externalRequestID),
		zap.String("status", string(to)),
	)
	s.finished(ctx, id)
	return true, nil
}

// finished reloads a task that just reached a terminal state and publishes it.
func (s *Service) finished(ctx context.Context, taskID string) {
	t, err := s.store.findByID(ctx, taskID)
	if err != nil {
		zap.L().Warn("finished task not found for notification", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.notify(ctx, t)
}

func (s *Service) notify(ctx context.Context, t *Task) {
	add(ctx, s.metrics.finished, attribute.String("command", t.Command), attribute.String("status", string(t.Status)))
	if s.notifier == nil {
		return
	}
	if err := s.notifier.TaskFinished(ctx, t); err != nil {
		zap.L().Error("failed to publish task result",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Error(err),
		)
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	ctx, span, _ := s.start(ctx, "task.Get", attribute.String("task_id", id))
	defer span.End()

	if strings.TrimSpace(id) == "" {
		return nil, errutil.ValidationFailed("task id is required", nil)
	}

	t, err := s.store.findByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errutil.NotFound("task not found", err)
	}
	return t, err
}

// List pages through tasks newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Task, *pagination.PageInfo, error) {
	ctx, span, log := s.start(ctx, "task.List")
	defer span.End()

	page := pagination.Pagination{Cursor: f.Cursor, Limit: f.Limit}.Normalize()
	q := listQuery{Command: strings.TrimSpace(f.Command), Limit: page.Limit}

	if f.Status != "" {
		st, err := ParseStatus(f.Status)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid status filter", err)
		}
		q.Status = st
	}
	if f.Priority != "" {
		p, err := ParsePriority(f.Priority)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid priority filter", err)
		}
		q.Priority = p
	}
	if page.Cursor != "" {
		cur, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		q.Cursor = cur
	}

	rows, err := s.store.list(ctx, q)
	if err != nil {
		log.Error("failed to list tasks", zap.Error(err))
		return nil, nil, err
	}

	return pagination.BuildCursorPageInfo(rows, page.Limit, func(t *Task) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
	})
}

func (s *Service) Stats(ctx context.Context) ([]StatusCount, error) {
	ctx, span, _ := s.start(ctx, "task.Stats")
	defer span.End()

	return s.store.stats(ctx)
}

// Stale lists processing tasks whose heartbeat is past their command's
// liveness window, without touching them.
func (s *Service) Stale(ctx context.Context) ([]*Task, error) {
	ctx, span, _ := s.start(ctx, "task.Stale")
	defer span.End()

	now := s.clock()
	rows, err := s.store.stuck(ctx, now.Add(-s.queue.MinLivenessWindow()), nil, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(rows))
	for _, t := range rows {
		if s.isStuck(t, now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) isStuck(t *Task, now time.Time) bool {
	if t.LastHeartbeat == nil || t.WorkerID == nil {
		return false
	}
	return t.LastHeartbeat.Before(s.cutoffFor(t.Command, now))
}

func (s *Service) cutoffFor(command string, now time.Time) time.Time {
	return now.Add(-s.queue.LivenessWindowFor(command))
}

// HeartbeatInterval is how often a worker running command should heartbeat.
func (s *Service) HeartbeatInterval(command string) time.Duration {
	return s.queue.HeartbeatInterval(command)
}

func requireIDs(taskID, workerID string) error {
	var details []errutil.Detail
	if strings.TrimSpace(taskID) == "" {
		details = append(details, errutil.Detail{Field: "task_id", Message: "must not be empty"})
	}
	if strings.TrimSpace(workerID) == "" {
		details = append(details, errutil.Detail{Field: "worker_id", Message: "must not be empty"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("task_id and worker_id are required", nil, errutil.WithDetails(details...))
	}
	return nil
}
