package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScenarioHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.Enqueue(ctx, EnqueueRequest{Command: "upscale_video", Origin: "editor", Priority: "normal"})
	require.NoError(t, err)

	task := env.claim(t, "W1")
	require.Equal(t, id, task.ID)

	for i := 0; i < 3; i++ {
		env.clock.Advance(20 * time.Second)
		ok, err := env.svc.Heartbeat(ctx, id, "W1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := env.svc.Complete(ctx, id, "W1", map[string]any{"url": "https://cdn/video-4k.mp4"})
	require.NoError(t, err)
	require.True(t, ok)

	done := env.get(t, id)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, "https://cdn/video-4k.mp4", done.Result["url"])
	require.NotNil(t, done.CompletedAt)
}

func TestScenarioWorkerCrashRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, "generate_video", "high")
	env.claim(t, "W1")

	// W1 dies without heartbeating.
	env.clock.Advance(90 * time.Second)
	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)

	requeued := env.get(t, id)
	require.Equal(t, StatusPending, requeued.Status)
	require.Equal(t, 1, requeued.RetryCount)

	task := env.claim(t, "W2")
	require.Equal(t, id, task.ID)

	// W1 comes back and tries to report; it no longer owns the task.
	ok, err := env.svc.Complete(ctx, id, "W1", map[string]any{"url": "stale"})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = env.svc.Heartbeat(ctx, id, "W1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.svc.Complete(ctx, id, "W2", map[string]any{"url": "fresh"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", env.get(t, id).Result["url"])
}

func TestScenarioAsyncExternal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, "generate_image", "")
	env.claim(t, "W1")

	ok, err := env.svc.MarkAwaitingExternal(ctx, id, "W1", "X-99")
	require.NoError(t, err)
	require.True(t, ok)

	waiting := env.get(t, id)
	require.Equal(t, StatusAsyncWaiting, waiting.Status)
	require.Equal(t, "X-99", *waiting.ExternalRequestID)

	// The worker stopped heartbeating long ago; async_waiting is not swept.
	env.clock.Advance(10 * time.Minute)
	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Requeued+res.Abandoned)

	ok, err = env.svc.Heartbeat(ctx, id, "W1")
	require.NoError(t, err)
	require.False(t, ok, "heartbeats only apply to processing tasks")

	ok, err = env.svc.CompleteExternal(ctx, "X-00", map[string]any{"url": "wrong"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.svc.CompleteExternal(ctx, "X-99", map[string]any{"url": "https://cdn/img.png"})
	require.NoError(t, err)
	require.True(t, ok)

	done := env.get(t, id)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, "https://cdn/img.png", done.Result["url"])
	require.NotNil(t, done.CompletedAt)

	ok, err = env.svc.FailExternal(ctx, "X-99", "too late")
	require.NoError(t, err)
	require.False(t, ok)

	require.Len(t, env.notifier.finished(), 1)
}

func TestScenarioAsyncExternalOwnerCanFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, "generate_image", "")
	env.claim(t, "W1")
	ok, err := env.svc.MarkAwaitingExternal(ctx, id, "W1", "X-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.svc.MarkAwaitingExternal(ctx, id, "W1", "X-2")
	require.NoError(t, err)
	require.False(t, ok, "already waiting")

	ok, err = env.svc.Fail(ctx, id, "W2", "not mine")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.svc.Fail(ctx, id, "W1", "provider rejected the job")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, env.get(t, id).Status)
}

func TestScenarioFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, "generate_text", "")
	env.claim(t, "W1")

	ok, err := env.svc.Fail(ctx, id, "W1", "GPU OOM")
	require.NoError(t, err)
	require.True(t, ok)

	failed := env.get(t, id)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "GPU OOM", *failed.Error)

	next, err := env.svc.Claim(ctx, "W2")
	require.NoError(t, err)
	require.Nil(t, next)
}
