package task

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewHandler,
		NewScheduler,
		NewAsynqNotifier,
		NewNotifier,
	),
	fx.Invoke(
		Migrate,
		registerRoutes,
		StartScheduler,
	),
)

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Task{}); err != nil {
		zap.L().Error("[DB] failed to migrate colony_tasks", zap.Error(err))
		return err
	}
	return nil
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	h.RegisterRoutes(engine)
}
