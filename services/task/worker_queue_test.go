package task

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"colony-tasks/pkg/client"
	"colony-tasks/pkg/config"
	"colony-tasks/pkg/worker"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func mediaHandlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"generate_image": func(ctx context.Context, job *worker.Job) (map[string]any, error) {
			return map[string]any{"url": "https://cdn/" + job.ID + ".png"}, nil
		},
		"generate_text": func(ctx context.Context, job *worker.Job) (map[string]any, error) {
			return nil, errors.New("prompt rejected")
		},
		"upscale_video": func(ctx context.Context, job *worker.Job) (map[string]any, error) {
			return nil, worker.AwaitExternal("ext-" + job.ID)
		},
	}
}

func runWorker(t *testing.T, q worker.Queue, until func() bool) {
	t.Helper()
	r := &worker.Runner{
		Queue:       q,
		WorkerID:    "runner-1",
		Handlers:    mediaHandlers(),
		Concurrency: 2,
		Backoff:     func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, until, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func settled(env *testEnv, ids ...string) func() bool {
	return func() bool {
		for _, id := range ids {
			task, err := env.svc.Get(context.Background(), id)
			if err != nil {
				return false
			}
			if task.Status == StatusPending || task.Status == StatusProcessing {
				return false
			}
		}
		return true
	}
}

func assertOutcomes(t *testing.T, env *testEnv, image, text, video, unknown string) {
	t.Helper()

	done := env.get(t, image)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, "https://cdn/"+image+".png", done.Result["url"])

	failed := env.get(t, text)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "prompt rejected", *failed.Error)

	waiting := env.get(t, video)
	require.Equal(t, StatusAsyncWaiting, waiting.Status)
	require.Equal(t, "ext-"+video, *waiting.ExternalRequestID)

	unsupported := env.get(t, unknown)
	require.Equal(t, StatusFailed, unsupported.Status)
	require.Equal(t, worker.UnsupportedCommand, *unsupported.Error)
}

func TestRunnerInProcess(t *testing.T) {
	env := newTestEnv(t)
	image := env.enqueue(t, "generate_image", "")
	text := env.enqueue(t, "generate_text", "")
	video := env.enqueue(t, "upscale_video", "")
	unknown := env.enqueue(t, "compose_music", "")

	runWorker(t, env.svc.WorkerQueue(), settled(env, image, text, video, unknown))
	assertOutcomes(t, env, image, text, video, unknown)
}

func TestRunnerOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(newTestRouter(env))
	t.Cleanup(srv.Close)

	image := env.enqueue(t, "generate_image", "")
	text := env.enqueue(t, "generate_text", "")
	video := env.enqueue(t, "upscale_video", "")
	unknown := env.enqueue(t, "compose_music", "")

	c := client.New(srv.URL, 2*time.Second)
	runWorker(t, c, settled(env, image, text, video, unknown))
	assertOutcomes(t, env, image, text, video, unknown)

	ok, err := c.CompleteExternal(context.Background(), "ext-"+video, map[string]any{"url": "https://cdn/video.mp4"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, env.get(t, video).Status)

	got, err := c.Get(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, "https://cdn/video.mp4", got.Result["url"])
}

func TestClaimedJobsCarryHeartbeatInterval(t *testing.T) {
	env := newTestEnv(t, func(q *config.Queue) {
		q.Commands = map[string]config.CommandPolicy{"generate_text": {LivenessWindow: 30 * time.Second}}
	})
	srv := httptest.NewServer(newTestRouter(env))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	env.enqueue(t, "generate_text", "high")
	env.enqueue(t, "generate_image", "")

	job, err := env.svc.WorkerQueue().Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "generate_text", job.Command)
	require.Equal(t, 10*time.Second, job.HeartbeatInterval)

	job, err = client.New(srv.URL, 2*time.Second).Claim(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, "generate_image", job.Command)
	require.Equal(t, 20*time.Second, job.HeartbeatInterval)
}
