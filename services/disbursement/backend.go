package disbursement

import (
	"context"

	"go.uber.org/zap"
)

// SettlementBackend performs the actual value movement for a payout. The
// router drives phases and audits; the backend owns the transfer outcome.
type SettlementBackend interface {
	Settle(ctx context.Context, payout *PayoutRequest) error
}

// LedgerBackend settles by recording the transfer against the internal
// ledger. It accepts every transfer; an integration with an external payment
// network would replace it behind the same interface.
type LedgerBackend struct {
	logger *zap.Logger
}

func NewLedgerBackend(logger *zap.Logger) *LedgerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerBackend{logger: logger}
}

func (b *LedgerBackend) Settle(ctx context.Context, payout *PayoutRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.logger.Info("settled transfer",
		zap.String("payout_id", payout.PayoutID),
		zap.String("node_id", payout.NodeID),
		zap.Int64("amount", payout.Amount),
		zap.Int64("fee", payout.Fee),
	)
	return nil
}
