package trigger

import (
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("trigger.service",
	fx.Provide(
		NewRepository,
		NewEvaluator,
		NewService,
	),
	fx.Invoke(migrate),
)

var Gateway = fx.Module("trigger.gateway",
	fx.Invoke(registerGateway),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&TriggerRule{})
}

type gatewayParams struct {
	fx.In

	Mux     *runtime.ServeMux
	Service *Service
	Logger  *zap.Logger
}

func registerGateway(p gatewayParams) error {
	if err := registerHandlers(p.Mux, p.Service); err != nil {
		p.Logger.Error("failed to register trigger http handlers", zap.Error(err))
		return err
	}
	return nil
}
