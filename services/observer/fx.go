package observer

import (
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("observer.service",
	fx.Provide(NewService),
	fx.Invoke(migrate),
	fx.Invoke(bindDefaultRoutes),
)

var Gateway = fx.Module("observer.gateway",
	fx.Invoke(registerGateway),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&RewardEvent{}, &LedgerEntry{})
}

// bindDefaultRoutes wires the civic action routes to their trigger rules.
// Additional routes can be subscribed at runtime through Subscribe.
func bindDefaultRoutes(svc *Service) {
	bindings := map[string]string{
		"civic.vote":     "VOTE",
		"civic.feedback": "FEEDBACK",
		"civic.proposal": "PROPOSAL",
	}
	for route, ruleID := range bindings {
		svc.BindTrigger(route, ruleID)
	}
}

type gatewayParams struct {
	fx.In

	Mux     *runtime.ServeMux
	Service *Service
	Logger  *zap.Logger
}

func registerGateway(p gatewayParams) error {
	if err := registerHandlers(p.Mux, p.Service); err != nil {
		p.Logger.Error("failed to register observer http handlers", zap.Error(err))
		return err
	}
	return nil
}
