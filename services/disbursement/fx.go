package disbursement

import (
	"context"

	"civicledger/services/observer"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("disbursement.service",
	fx.Provide(
		fx.Annotate(NewLedgerBackend, fx.As(new(SettlementBackend))),
		NewEnqueuer,
		NewService,
		fx.Annotate(NewRewardDisburser, fx.As(new(observer.Disburser))),
	),
	fx.Invoke(migrate),
)

var Gateway = fx.Module("disbursement.gateway",
	fx.Invoke(registerGateway),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SettlementNode{}, &PayoutRequest{}, &AuditEntry{})
}

// RewardDisburser settles reward ledger entries through the router's inline
// disbursement path.
type RewardDisburser struct {
	svc *Service
}

func NewRewardDisburser(svc *Service) *RewardDisburser {
	return &RewardDisburser{svc: svc}
}

func (d *RewardDisburser) Disburse(ctx context.Context, req observer.DisburseRequest) (*observer.DisburseResult, error) {
	payout, err := d.svc.DisburseReward(ctx, req.ReferenceID, req.Amount, req.Recipient)
	if err != nil {
		return nil, err
	}
	return &observer.DisburseResult{NodeID: payout.NodeID}, nil
}

type gatewayParams struct {
	fx.In

	Mux     *runtime.ServeMux
	Service *Service
	Logger  *zap.Logger
}

func registerGateway(p gatewayParams) error {
	if err := registerHandlers(p.Mux, p.Service); err != nil {
		p.Logger.Error("failed to register disbursement http handlers", zap.Error(err))
		return err
	}
	return nil
}
