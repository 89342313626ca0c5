package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"colony-tasks/pkg/asynq"
	"colony-tasks/pkg/config"
	"colony-tasks/pkg/db"
	"colony-tasks/pkg/health"
	"colony-tasks/pkg/httpapi"
	"colony-tasks/pkg/logger"
	"colony-tasks/pkg/minio"
	"colony-tasks/pkg/otelcol"
	"colony-tasks/pkg/profiling"
	"colony-tasks/pkg/redis"
	"colony-tasks/pkg/server"
	"colony-tasks/services/task"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		asynq.Client,
		asynq.Server,
		asynq.Scheduler,
		minio.Client,
		fx.Provide(
			provideSnowflakeNode,
		),
		health.Module,
		httpapi.Module,
		task.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
