package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"colony-tasks/pkg/db"
	"colony-tasks/pkg/db/pagination"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// store holds every query against colony_tasks. Each mutation is a single
// conditional UPDATE whose status guard comes from the transition table, so a
// mutation either applies exactly once or affects zero rows.
type store struct {
	db *gorm.DB
}

func newStore(db *gorm.DB) *store {
	return &store{db: db}
}

func (s *store) create(ctx context.Context, t *Task) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *store) findByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return &t, nil
}

// transition applies a guarded update moving rows matched by where into to.
func (s *store) transition(tx *gorm.DB, to Status, where func(*gorm.DB) *gorm.DB, values map[string]any) (bool, error) {
	values["status"] = to
	q := tx.Model(&Task{}).Where("status IN ?", sourcesOf(to))
	res := where(q).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// claim hands the best pending task to workerID. Losing a race on one
// candidate moves on to the next, up to attempts times.
func (s *store) claim(ctx context.Context, workerID string, now time.Time, attempts int) (*Task, error) {
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		var (
			claimed *Task
			empty   bool
			err     error
		)
		if db.SupportsSkipLocked(s.db) {
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var txErr error
				claimed, empty, txErr = s.claimOnce(tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}), tx, workerID, now)
				return txErr
			})
		} else {
			tx := s.db.WithContext(ctx)
			claimed, empty, err = s.claimOnce(tx, tx, workerID, now)
		}
		if err != nil {
			return nil, err
		}
		if claimed != nil || empty {
			return claimed, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// claimOnce reports empty when there is no pending task at all, and returns
// a nil task without empty when another claimer won the candidate.
func (s *store) claimOnce(selectTx, updateTx *gorm.DB, workerID string, now time.Time) (*Task, bool, error) {
	var candidates []*Task
	err := selectTx.
		Where("status = ?", StatusPending).
		Order("priority_rank DESC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&candidates).Error
	if err != nil {
		return nil, false, fmt.Errorf("select claim candidate: %w", err)
	}
	if len(candidates) == 0 {
		return nil, true, nil
	}

	t := candidates[0]
	ok, err := s.transition(updateTx, StatusProcessing, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ?", t.ID)
	}, map[string]any{
		"worker_id":      workerID,
		"started_at":     now,
		"last_heartbeat": now,
		"updated_at":     now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim task %s: %w", t.ID, err)
	}
	if !ok {
		return nil, false, nil
	}

	t.Status = StatusProcessing
	t.WorkerID = strPtr(workerID)
	t.StartedAt = timePtr(now)
	t.LastHeartbeat = timePtr(now)
	t.UpdatedAt = now
	return t, false, nil
}

func (s *store) heartbeat(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, StatusProcessing, workerID).
		Updates(map[string]any{"last_heartbeat": now, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("heartbeat task %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *store) finishByWorker(ctx context.Context, id, workerID string, to Status, now time.Time, result map[string]any, errMsg *string) (bool, error) {
	values := map[string]any{
		"completed_at": now,
		"updated_at":   now,
	}
	if to == StatusCompleted {
		values["result"] = datatypes.JSONMap(result)
	} else {
		values["error"] = errMsg
	}

	ok, err := s.transition(s.db.WithContext(ctx), to, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND worker_id = ?", id, workerID)
	}, values)
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", id, err)
	}
	return ok, nil
}

// finishByExternal resolves the async_waiting task holding externalRequestID
// without a worker identity. It reports the id of the task it finished.
func (s *store) finishByExternal(ctx context.Context, externalRequestID string, to Status, now time.Time, result map[string]any, errMsg *string) (string, bool, error) {
	var waiting []*Task
	err := s.db.WithContext(ctx).
		Where("external_request_id = ? AND status = ?", externalRequestID, StatusAsyncWaiting).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&waiting).Error
	if err != nil {
		return "", false, fmt.Errorf("find external request %s: %w", externalRequestID, err)
	}
	if len(waiting) == 0 {
		return "", false, nil
	}

	values := map[string]any{
		"completed_at": now,
		"updated_at":   now,
	}
	if to == StatusCompleted {
		values["result"] = datatypes.JSONMap(result)
	} else {
		values["error"] = errMsg
	}

	id := waiting[0].ID
	ok, err := s.transition(s.db.WithContext(ctx), to, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND external_request_id = ? AND status = ?", id, externalRequestID, StatusAsyncWaiting)
	}, values)
	if err != nil {
		return "", false, fmt.Errorf("finish external request %s: %w", externalRequestID, err)
	}
	return id, ok, nil
}

// markAwaitingExternal refuses an external request id that another
// async_waiting task already holds. The inner select is wrapped in a derived
// table so MySQL accepts it in an UPDATE on the same table.
func (s *store) markAwaitingExternal(ctx context.Context, id, workerID, externalRequestID string, now time.Time) (bool, error) {
	ok, err := s.transition(s.db.WithContext(ctx), StatusAsyncWaiting, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND worker_id = ?", id, workerID).
			Where("NOT EXISTS (SELECT 1 FROM (SELECT id FROM colony_tasks WHERE external_request_id = ? AND status = ?) AS held)",
				externalRequestID, StatusAsyncWaiting)
	}, map[string]any{
		"external_request_id": externalRequestID,
		"updated_at":          now,
	})
	if err != nil {
		return false, fmt.Errorf("mark task %s awaiting external: %w", id, err)
	}
	return ok, nil
}

// stuckCursor is the (last_heartbeat, id) of the last row of a sweep page.
type stuckCursor struct {
	heartbeat time.Time
	id        string
}

// stuck returns processing tasks whose last heartbeat is older than cutoff,
// oldest heartbeat first, starting after the given cursor.
func (s *store) stuck(ctx context.Context, cutoff time.Time, after *stuckCursor, limit int) ([]*Task, error) {
	var out []*Task
	q := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", StatusProcessing, cutoff)
	if after != nil {
		q = q.Where("(last_heartbeat > ? OR (last_heartbeat = ? AND id > ?))", after.heartbeat, after.heartbeat, after.id)
	}
	q = q.Order("last_heartbeat ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("select stuck tasks: %w", err)
	}
	return out, nil
}

// stuckGuard repeats the observation the sweep made, so a task that was
// heartbeated, finished or reclaimed in the meantime is left alone.
func stuckGuard(t *Task, cutoff time.Time) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND status = ? AND worker_id = ? AND last_heartbeat < ?", t.ID, StatusProcessing, *t.WorkerID, cutoff)
	}
}

func (s *store) requeue(ctx context.Context, t *Task, cutoff, now time.Time) (bool, error) {
	ok, err := s.transition(s.db.WithContext(ctx), StatusPending, stuckGuard(t, cutoff), map[string]any{
		"worker_id":      nil,
		"started_at":     nil,
		"last_heartbeat": nil,
		"retry_count":    gorm.Expr("retry_count + 1"),
		"updated_at":     now,
	})
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	return ok, nil
}

func (s *store) abandon(ctx context.Context, t *Task, cutoff, now time.Time, reason string) (bool, error) {
	ok, err := s.transition(s.db.WithContext(ctx), StatusFailed, stuckGuard(t, cutoff), map[string]any{
		"error":        reason,
		"completed_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return false, fmt.Errorf("abandon task %s: %w", t.ID, err)
	}
	return ok, nil
}

func (s *store) expiredExternal(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error) {
	var out []*Task
	q := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusAsyncWaiting, cutoff).
		Order("updated_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("select expired external tasks: %w", err)
	}
	return out, nil
}

func (s *store) expireExternal(ctx context.Context, t *Task, cutoff, now time.Time, reason string) (bool, error) {
	ok, err := s.transition(s.db.WithContext(ctx), StatusFailed, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND status = ? AND updated_at < ?", t.ID, StatusAsyncWaiting, cutoff)
	}, map[string]any{
		"error":        reason,
		"completed_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return false, fmt.Errorf("expire task %s: %w", t.ID, err)
	}
	return ok, nil
}

type listQuery struct {
	Status   Status
	Priority Priority
	Command  string
	Limit    int
	Cursor   *pagination.Cursor
}

// list returns up to q.Limit+1 rows, newest first.
func (s *store) list(ctx context.Context, q listQuery) ([]*Task, error) {
	tx := s.db.WithContext(ctx).Model(&Task{})
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.Priority != "" {
		tx = tx.Where("priority = ?", q.Priority)
	}
	if q.Command != "" {
		tx = tx.Where("command = ?", q.Command)
	}
	if q.Cursor != nil {
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", q.Cursor.CreatedAt, q.Cursor.CreatedAt, q.Cursor.ID)
	}

	var out []*Task
	err := tx.Order("created_at DESC").Order("id DESC").Limit(q.Limit + 1).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *store) stats(ctx context.Context) ([]StatusCount, error) {
	var out []StatusCount
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("status, priority, COUNT(*) AS count").
		Group("status, priority").
		Order("status ASC").
		Order("priority ASC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return out, nil
}
