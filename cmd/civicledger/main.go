package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"civicledger/pkg/config"
	"civicledger/pkg/db"
	"civicledger/pkg/httpapi"
	"civicledger/pkg/logger"
	"civicledger/pkg/profiling"
	"civicledger/pkg/redis"
	"civicledger/pkg/sequence"
	"civicledger/pkg/server"
	"civicledger/pkg/task"
	"civicledger/services/disbursement"
	"civicledger/services/observer"
	"civicledger/services/trigger"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		fx.Provide(
			server.RegisterServerMux,
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		httpapi.Module,
		profiling.Module,
		trigger.Module,
		trigger.Gateway,
		observer.Module,
		observer.Gateway,
		disbursement.Module,
		disbursement.Gateway,
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

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Incentive.SnowflakeNode)
}
