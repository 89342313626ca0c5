package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"colony-tasks/pkg/config"
	"colony-tasks/pkg/errutil"
	"colony-tasks/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enqueue(ctx, EnqueueRequest{Command: "   "})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.As(err).Code)

	_, err = env.svc.Enqueue(ctx, EnqueueRequest{Command: "generate_image", Priority: "urgent"})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.As(err).Code)

	var count int64
	require.NoError(t, env.db.Model(&Task{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEnqueueDefaults(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.Enqueue(context.Background(), EnqueueRequest{
		Command:  "generate_image",
		Origin:   "studio",
		Metadata: map[string]any{"prompt": "a red fox"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := env.get(t, id)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, PriorityNormal, task.Priority)
	require.Equal(t, PriorityNormal.Rank(), task.PriorityRank)
	require.Equal(t, "studio", task.Origin)
	require.Equal(t, "a red fox", task.Metadata["prompt"])
	require.Nil(t, task.WorkerID)
	require.Nil(t, task.StartedAt)
	require.Nil(t, task.CompletedAt)
	require.Zero(t, task.RetryCount)
}

func TestEnqueueDoesNotDeduplicate(t *testing.T) {
	env := newTestEnv(t)

	a := env.enqueue(t, "generate_text", "low")
	b := env.enqueue(t, "generate_text", "low")
	require.NotEqual(t, a, b)
}

func TestClaimEmptyQueue(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.svc.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.Nil(t, task)

	_, err = env.svc.Claim(context.Background(), "")
	require.Equal(t, errutil.StatusValidationFailed, errutil.As(err).Code)
}

func TestClaimPriorityOrder(t *testing.T) {
	env := newTestEnv(t)

	low := env.enqueue(t, "generate_text", "low")
	normal := env.enqueue(t, "generate_text", "normal")
	critical1 := env.enqueue(t, "generate_text", "critical")
	high := env.enqueue(t, "generate_text", "high")
	critical2 := env.enqueue(t, "generate_text", "critical")

	var order []string
	for i := 0; i < 5; i++ {
		order = append(order, env.claim(t, "w1").ID)
	}
	require.Equal(t, []string{critical1, critical2, high, normal, low}, order)

	task, err := env.svc.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestClaimSetsLease(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, "upscale_video", "")

	claimed := env.claim(t, "w1")
	require.Equal(t, id, claimed.ID)
	require.Equal(t, StatusProcessing, claimed.Status)

	stored := env.get(t, id)
	require.Equal(t, StatusProcessing, stored.Status)
	require.Equal(t, "w1", *stored.WorkerID)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.LastHeartbeat)
	require.True(t, stored.StartedAt.Equal(*stored.LastHeartbeat))
}

// claimConcurrently drains the queue with several goroutines and returns
// which workers got each task. A claimer only stops once nothing is pending,
// since a nil claim can also mean it lost every race in its attempts.
func claimConcurrently(t *testing.T, env *testEnv, workers int) map[string][]string {
	t.Helper()
	var (
		mu      sync.Mutex
		claimed = map[string][]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		workerID := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := env.svc.Claim(context.Background(), workerID)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					var pending int64
					if err := env.db.Model(&Task{}).Where("status = ?", StatusPending).Count(&pending).Error; err != nil {
						t.Errorf("count pending: %v", err)
						return
					}
					if pending == 0 {
						return
					}
					continue
				}
				mu.Lock()
				claimed[task.ID] = append(claimed[task.ID], workerID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return claimed
}

func requireExclusive(t *testing.T, env *testEnv, claimed map[string][]string, tasks int) {
	t.Helper()
	require.Len(t, claimed, tasks)
	for id, workers := range claimed {
		require.Len(t, workers, 1, "task %s claimed by %v", id, workers)
		require.Equal(t, workers[0], *env.get(t, id).WorkerID)
	}
}

// The in-memory database has a single connection, so this covers goroutines
// interleaving between candidate select and conditional update.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	env := newTestEnv(t)
	const tasks = 30
	for i := 0; i < tasks; i++ {
		env.enqueue(t, "generate_image", "normal")
	}
	requireExclusive(t, env, claimConcurrently(t, env, 6), tasks)
}

// A file-backed database with several connections lets the claimers hit
// SQLite concurrently, relying on the conditional update alone.
func TestConcurrentClaimsAreExclusiveAcrossConnections(t *testing.T) {
	env := newTestEnvOn(t, testutil.NewFileTestDB(t, 6, &Task{}))
	const tasks = 40
	for i := 0; i < tasks; i++ {
		env.enqueue(t, "generate_image", "normal")
	}
	requireExclusive(t, env, claimConcurrently(t, env, 6), tasks)
}

func TestClaimUpdateIsConditional(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, "generate_image", "")
	now := env.clock.Now()

	claim := func(workerID string) bool {
		ok, err := env.svc.store.transition(env.db, StatusProcessing, func(q *gorm.DB) *gorm.DB {
			return q.Where("id = ?", id)
		}, map[string]any{"worker_id": workerID, "started_at": now, "last_heartbeat": now, "updated_at": now})
		require.NoError(t, err)
		return ok
	}

	require.True(t, claim("w1"))
	require.False(t, claim("w2"))
	require.Equal(t, "w1", *env.get(t, id).WorkerID)
}

func TestHeartbeatOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enqueue(t, "upscale_video", "")
	task := env.claim(t, "w1")
	first := *env.get(t, task.ID).LastHeartbeat

	ok, err := env.svc.Heartbeat(ctx, task.ID, "w2")
	require.NoError(t, err)
	require.False(t, ok)

	env.clock.Advance(10 * time.Second)
	ok, err = env.svc.Heartbeat(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, env.get(t, task.ID).LastHeartbeat.After(first))

	ok, err = env.svc.Heartbeat(ctx, "missing", "w1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.svc.Complete(ctx, task.ID, "w1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.svc.Heartbeat(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = env.svc.Heartbeat(ctx, task.ID, "")
	require.Equal(t, errutil.StatusValidationFailed, errutil.As(err).Code)
}

func TestCompleteGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pendingID := env.enqueue(t, "generate_image", "")

	ok, err := env.svc.Complete(ctx, pendingID, "w1", nil)
	require.NoError(t, err)
	require.False(t, ok, "pending task cannot complete")

	task := env.claim(t, "w1")

	ok, err = env.svc.Complete(ctx, task.ID, "w2", map[string]any{"url": "x"})
	require.NoError(t, err)
	require.False(t, ok, "non-owner cannot complete")

	ok, err = env.svc.Complete(ctx, task.ID, "w1", map[string]any{"url": "https://cdn/x.png"})
	require.NoError(t, err)
	require.True(t, ok)

	done := env.get(t, task.ID)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, "https://cdn/x.png", done.Result["url"])
	require.NotNil(t, done.CompletedAt)
	completedAt := *done.CompletedAt

	ok, err = env.svc.Complete(ctx, task.ID, "w1", map[string]any{"url": "again"})
	require.NoError(t, err)
	require.False(t, ok, "completed is terminal")

	ok, err = env.svc.Fail(ctx, task.ID, "w1", "late failure")
	require.NoError(t, err)
	require.False(t, ok, "completed is terminal")

	again := env.get(t, task.ID)
	require.Equal(t, StatusCompleted, again.Status)
	require.True(t, again.CompletedAt.Equal(completedAt))
	require.Nil(t, again.Error)
}

func TestFailRecordsErrorWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enqueue(t, "generate_video", "")
	task := env.claim(t, "w1")

	ok, err := env.svc.Fail(ctx, task.ID, "w1", "model returned NSFW content")
	require.NoError(t, err)
	require.True(t, ok)

	failed := env.get(t, task.ID)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "model returned NSFW content", *failed.Error)
	require.NotNil(t, failed.CompletedAt)

	env.clock.Advance(time.Hour)
	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Requeued)

	next, err := env.svc.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, next)
	require.Equal(t, StatusFailed, env.get(t, task.ID).Status)
}

func TestGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), "nope")
	require.Equal(t, errutil.StatusNotFound, errutil.As(err).Code)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, env.enqueue(t, "generate_image", "high"))
	}
	env.enqueue(t, "generate_text", "low")
	env.claim(t, "w1")

	page, info, err := env.svc.List(ctx, ListFilter{Command: "generate_image", Status: "pending", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	seen := []string{page[0].ID, page[1].ID}
	for info.HasMore {
		page, info, err = env.svc.List(ctx, ListFilter{Command: "generate_image", Status: "pending", Limit: 2, Cursor: info.NextCursor})
		require.NoError(t, err)
		for _, task := range page {
			seen = append(seen, task.ID)
		}
	}

	// The first high-priority task was claimed, the rest come back newest first.
	want := append([]string(nil), ids[1:]...)
	sort.Sort(sort.Reverse(sort.StringSlice(want)))
	require.Equal(t, want, seen)

	_, _, err = env.svc.List(ctx, ListFilter{Status: "sleeping"})
	require.Equal(t, errutil.StatusBadRequest, errutil.As(err).Code)

	_, _, err = env.svc.List(ctx, ListFilter{Cursor: "%%%"})
	require.Equal(t, errutil.StatusBadRequest, errutil.As(err).Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "generate_image", "high")
	env.enqueue(t, "generate_image", "high")
	env.enqueue(t, "generate_text", "low")
	env.claim(t, "w1")

	stats, err := env.svc.Stats(context.Background())
	require.NoError(t, err)

	got := map[string]int64{}
	for _, s := range stats {
		got[string(s.Status)+"/"+string(s.Priority)] = s.Count
	}
	require.Equal(t, map[string]int64{
		"pending/high":    1,
		"pending/low":     1,
		"processing/high": 1,
	}, got)
}

func TestNotifierSeesTerminalTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.notifier.err = errors.New("redis down")

	env.enqueue(t, "generate_image", "")
	env.enqueue(t, "generate_image", "")
	a := env.claim(t, "w1")
	b := env.claim(t, "w1")

	ok, err := env.svc.Complete(ctx, a.ID, "w1", map[string]any{"ok": true})
	require.NoError(t, err)
	require.True(t, ok, "publish failure must not undo the transition")

	ok, err = env.svc.Fail(ctx, b.ID, "w1", "boom")
	require.NoError(t, err)
	require.True(t, ok)

	finished := env.notifier.finished()
	require.Len(t, finished, 2)
	require.Equal(t, StatusCompleted, finished[0].Status)
	require.Equal(t, StatusFailed, finished[1].Status)
	require.Equal(t, "boom", *finished[1].Error)
}

func TestHeartbeatIntervalIsThirdOfWindow(t *testing.T) {
	env := newTestEnv(t, func(q *config.Queue) {
		q.Commands = map[string]config.CommandPolicy{"upscale_video": {LivenessWindow: 3 * time.Minute}}
	})

	require.Equal(t, 20*time.Second, env.svc.HeartbeatInterval("generate_text"))
	require.Equal(t, time.Minute, env.svc.HeartbeatInterval("upscale_video"))
}

func TestExternalRequestIDHeldByOneWaitingTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.enqueue(t, "generate_image", "")
	b := env.enqueue(t, "generate_image", "")
	require.Equal(t, a, env.claim(t, "W1").ID)
	require.Equal(t, b, env.claim(t, "W2").ID)

	ok, err := env.svc.MarkAwaitingExternal(ctx, a, "W1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.svc.MarkAwaitingExternal(ctx, b, "W2", "job-1")
	require.NoError(t, err)
	require.False(t, ok, "job-1 is already held by a waiting task")
	require.Equal(t, StatusProcessing, env.get(t, b).Status)
	require.Nil(t, env.get(t, b).ExternalRequestID)

	ok, err = env.svc.CompleteExternal(ctx, "job-1", map[string]any{"url": "a.png"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, env.get(t, a).Status)
	require.Equal(t, StatusProcessing, env.get(t, b).Status)

	finished := env.notifier.finished()
	require.Len(t, finished, 1)
	require.Equal(t, a, finished[0].ID)

	// Once the first holder is terminal the id is free again.
	ok, err = env.svc.MarkAwaitingExternal(ctx, b, "W2", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.svc.FailExternal(ctx, "job-1", "provider error")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, env.get(t, b).Status)
	require.Equal(t, StatusCompleted, env.get(t, a).Status)
	require.Len(t, env.notifier.finished(), 2)
}

func TestCompleteExternalFinishesExactlyOneTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := []string{env.enqueue(t, "generate_image", ""), env.enqueue(t, "generate_image", "")}
	env.claim(t, "W1")
	env.claim(t, "W2")

	// Two rows racing past the mark guard end up sharing one id.
	now := env.clock.Now()
	res := env.db.Model(&Task{}).Where("id IN ?", ids).Updates(map[string]any{
		"status":              StatusAsyncWaiting,
		"external_request_id": "job-2",
		"updated_at":          now,
	})
	require.NoError(t, res.Error)
	require.EqualValues(t, 2, res.RowsAffected)

	ok, err := env.svc.CompleteExternal(ctx, "job-2", map[string]any{"url": "first.png"})
	require.NoError(t, err)
	require.True(t, ok)

	statuses := map[Status]int{}
	for _, id := range ids {
		statuses[env.get(t, id).Status]++
	}
	require.Equal(t, map[Status]int{StatusCompleted: 1, StatusAsyncWaiting: 1}, statuses)
	require.Len(t, env.notifier.finished(), 1)

	ok, err = env.svc.CompleteExternal(ctx, "job-2", map[string]any{"url": "second.png"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, env.notifier.finished(), 2)

	ok, err = env.svc.CompleteExternal(ctx, "job-2", nil)
	require.NoError(t, err)
	require.False(t, ok)
}
