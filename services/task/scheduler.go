package task

import (
	"context"
	"errors"
	"time"

	"colony-tasks/pkg/config"
	pkgredis "colony-tasks/pkg/redis"
	"colony-tasks/pkg/rediskey"
	"colony-tasks/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errAsynqModules = errors.New("asynq sweep mode needs asynq.Server and asynq.Scheduler")

// Scheduler runs Sweep every SWEEP_INTERVAL inside this process. With
// several instances the Redis lock lets one of them sweep per tick.
type Scheduler struct {
	service  *Service
	lock     *pkgredis.Lock
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

type SchedulerParams struct {
	fx.In
	Service *Service
	Config  *config.Config
	Node    *snowflake.Node
	Redis   *redis.Client `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	s := &Scheduler{
		service:  p.Service,
		interval: p.Config.Queue.SweepInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if p.Redis != nil {
		s.lock = pkgredis.NewLock(p.Redis, rediskey.BuildSweepLockKey(""), p.Node.Generate().String(), s.interval)
	}
	return s
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started stuck-task sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stop:
			zap.L().Warn("[Scheduler] stopped")
			return
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// tick reports whether this instance ran the sweep.
func (s *Scheduler) tick(ctx context.Context) bool {
	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			zap.L().Warn("[Scheduler] sweep lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			return false
		}
	}

	start := time.Now()
	res, err := s.service.Sweep(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] sweep failed", zap.Error(err))
		return true
	}
	zap.L().Debug("[Scheduler] sweep done",
		zap.Int("requeued", res.Requeued),
		zap.Int("abandoned", res.Abandoned),
		zap.Duration("duration", time.Since(start)),
	)
	return true
}

type startParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Scheduler *Scheduler
	Service   *Service
	Mux       *asynq.ServeMux  `optional:"true"`
	Periodic  *asynq.Scheduler `optional:"true"`
}

// StartScheduler wires the sweep according to QUEUE.SWEEP_MODE.
func StartScheduler(p startParams) error {
	if p.Config.Queue.SweepMode == config.SweepModeAsynq {
		return registerPeriodicSweep(p)
	}

	s := p.Scheduler
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			if s.lock != nil {
				_ = s.lock.Release(ctx)
			}
			return nil
		},
	})
	return nil
}

func registerPeriodicSweep(p startParams) error {
	if p.Mux == nil || p.Periodic == nil {
		zap.L().Error("[Scheduler] asynq sweep mode requires the asynq server and scheduler modules")
		return errAsynqModules
	}

	p.Mux.HandleFunc(taskname.ColonySweep, p.Service.HandleSweepTask)

	interval := p.Config.Queue.SweepInterval
	entryID, err := p.Periodic.Register(
		"@every "+interval.String(),
		asynq.NewTask(taskname.ColonySweep, nil),
		asynq.Queue(taskname.SweepQueue),
		asynq.Unique(interval),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return err
	}
	zap.L().Info("[Scheduler] registered periodic sweep", zap.String("entry_id", entryID), zap.Duration("interval", interval))
	return nil
}

// HandleSweepTask runs one sweep for the asynq colony:sweep task.
func (s *Service) HandleSweepTask(ctx context.Context, _ *asynq.Task) error {
	res, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	zap.L().Debug("[Scheduler] periodic sweep done", zap.Int("requeued", res.Requeued), zap.Int("abandoned", res.Abandoned))
	return nil
}
