package main

import (
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"civicledger/pkg/config"
	"civicledger/pkg/db"
	"civicledger/pkg/logger"
	"civicledger/services/disbursement"
	"civicledger/services/trigger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Seeds the default trigger rule catalog and settlement node pool. Existing
// rows are left untouched so the command is safe to rerun.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(seed),
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

func seed(lg *zap.Logger, gdb *gorm.DB, shutdowner fx.Shutdowner) error {
	if err := gdb.AutoMigrate(
		&trigger.TriggerRule{},
		&disbursement.SettlementNode{},
	); err != nil {
		return err
	}

	now := time.Now().UTC()

	rules := []trigger.TriggerRule{
		{
			RuleID:       "VOTE",
			Category:     "participation",
			RewardAmount: 50,
			MinTier:      "Citizen",
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			RuleID:       "FEEDBACK",
			Category:     "participation",
			RewardAmount: 75,
			MinTier:      "Citizen",
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			RuleID:             "PROPOSAL",
			Category:           "governance",
			RewardAmount:       200,
			MinTier:            "Contributor",
			RequireIdentityRef: true,
			Criteria:           "word_count >= 100",
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		{
			RuleID:              "MODERATION",
			Category:            "governance",
			RewardAmount:        150,
			MinTier:             "Moderator",
			RequireIdentityRef:  true,
			RequireVerification: true,
			IsActive:            true,
			CreatedAt:           now,
			UpdatedAt:           now,
		},
		{
			RuleID:       "REFERRAL",
			Category:     "growth",
			RewardAmount: 100,
			MinTier:      "Citizen",
			IsActive:     false,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}

	nodes := []disbursement.SettlementNode{
		{NodeID: "settle-alpha", Name: "Alpha", SuccessRate: 0.98, AvgLatency: 1.2, Status: disbursement.NodeStatusActive, LastActiveAt: now, CreatedAt: now},
		{NodeID: "settle-beta", Name: "Beta", SuccessRate: 0.95, AvgLatency: 2.0, Status: disbursement.NodeStatusActive, LastActiveAt: now, CreatedAt: now.Add(time.Millisecond)},
		{NodeID: "settle-gamma", Name: "Gamma", SuccessRate: 0.91, AvgLatency: 3.5, Status: disbursement.NodeStatusActive, LastActiveAt: now, CreatedAt: now.Add(2 * time.Millisecond)},
	}

	if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&rules).Error; err != nil {
		return err
	}
	if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&nodes).Error; err != nil {
		return err
	}

	lg.Info("seeded catalog",
		zap.Int("rules", len(rules)),
		zap.Int("nodes", len(nodes)),
	)

	return shutdowner.Shutdown()
}
