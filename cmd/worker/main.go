package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"civicledger/pkg/config"
	"civicledger/pkg/db"
	"civicledger/pkg/logger"
	"civicledger/pkg/redis"
	"civicledger/pkg/sequence"
	"civicledger/pkg/task"
	"civicledger/services/disbursement"
)

// The worker consumes the payout phase queue. The API process enqueues the
// first step of each chain; this process advances payouts to their terminal
// state.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
			fx.Annotate(disbursement.NewLedgerBackend, fx.As(new(disbursement.SettlementBackend))),
			disbursement.NewEnqueuer,
			disbursement.NewService,
		),
		disbursement.TaskModule,
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
	return snowflake.NewNode(cfg.Incentive.SnowflakeNode + 1)
}
