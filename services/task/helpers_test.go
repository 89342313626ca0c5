package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"colony-tasks/pkg/config"
	"colony-tasks/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeClock steps forward a millisecond on every read so rows created in a
// row still get distinct, ordered timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []*Task
	err   error
}

func (n *recordingNotifier) TaskFinished(ctx context.Context, t *Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, t)
	return n.err
}

func (n *recordingNotifier) finished() []*Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Task(nil), n.tasks...)
}

type testEnv struct {
	svc      *Service
	db       *gorm.DB
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, tweak ...func(*config.Queue)) *testEnv {
	t.Helper()
	return newTestEnvOn(t, testutil.NewTestDB(t, &Task{}), tweak...)
}

func newTestEnvOn(t *testing.T, db *gorm.DB, tweak ...func(*config.Queue)) *testEnv {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Queue: config.DefaultQueue()}
	for _, fn := range tweak {
		fn(&cfg.Queue)
	}
	require.NoError(t, cfg.Queue.Validate())

	notifier := &recordingNotifier{}
	svc := NewService(Params{DB: db, Node: node, Config: cfg, Notifier: notifier})
	clock := newFakeClock()
	svc.now = clock.Now

	return &testEnv{svc: svc, db: db, clock: clock, notifier: notifier}
}

func (e *testEnv) enqueue(t *testing.T, command, priority string) string {
	t.Helper()
	id, err := e.svc.Enqueue(context.Background(), EnqueueRequest{Command: command, Origin: "test", Priority: priority})
	require.NoError(t, err)
	return id
}

func (e *testEnv) claim(t *testing.T, workerID string) *Task {
	t.Helper()
	task, err := e.svc.Claim(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (e *testEnv) get(t *testing.T, id string) *Task {
	t.Helper()
	task, err := e.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func intPtr(v int) *int { return &v }
