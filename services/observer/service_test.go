package observer

import (
	"context"
	"errors"
	"testing"

	"civicledger/pkg/errutil"
	"civicledger/services/testutil"
	"civicledger/services/trigger"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type disburserMock struct {
	disburseFunc func(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
	calls        []DisburseRequest
}

func (m *disburserMock) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	m.calls = append(m.calls, req)
	if m.disburseFunc != nil {
		return m.disburseFunc(ctx, req)
	}
	return &DisburseResult{NodeID: "node-1"}, nil
}

func newTestService(t *testing.T, disburser Disburser) (*Service, *trigger.Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &trigger.TriggerRule{}, &RewardEvent{}, &LedgerEntry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	registry := trigger.NewService(trigger.ServiceParams{
		Repository: trigger.NewRepository(db),
		Evaluator:  trigger.NewEvaluator(),
		Logger:     zap.NewNop(),
	})

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Registry:  registry,
		Disburser: disburser,
		Logger:    zap.NewNop(),
	})
	return svc, registry, db
}

func registerRule(t *testing.T, registry *trigger.Service, rule *trigger.TriggerRule) {
	t.Helper()
	require.NoError(t, registry.Register(context.Background(), rule))
}

func votePayload() map[string]any {
	return map[string]any{
		"subject_id": "subject-1",
		"wallet_ref": "wallet-1",
		"tier":       "Citizen",
	}
}

func TestProcessTrigger_CreatesOneEventAndOneEntry(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, db := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", Category: "participation", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	event, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)
	require.True(t, event.Valid)
	require.EqualValues(t, 50, event.Amount)
	require.Equal(t, "subject-1", event.SubjectID)

	var eventCount, entryCount int64
	require.NoError(t, db.Model(&RewardEvent{}).Count(&eventCount).Error)
	require.NoError(t, db.Model(&LedgerEntry{}).Count(&entryCount).Error)
	require.EqualValues(t, 1, eventCount)
	require.EqualValues(t, 1, entryCount)

	require.Len(t, mock.calls, 1)
	require.EqualValues(t, 50, mock.calls[0].Amount)
	require.Equal(t, "wallet-1", mock.calls[0].Recipient)

	entries, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryStatusCompleted, entries[0].Status)
	require.Equal(t, event.EventID, entries[0].EventID)

	rule, err := registry.Get(ctx, "VOTE")
	require.NoError(t, err)
	require.EqualValues(t, 1, rule.ActivationCount)
}

func TestProcessTrigger_AmountFrozenAtValidation(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, db := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	event, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)

	// Changing the rule afterward must not touch the issued event.
	require.NoError(t, db.Model(&trigger.TriggerRule{}).
		Where("rule_id = ?", "VOTE").
		Update("reward_amount", 9000).Error)

	var stored RewardEvent
	require.NoError(t, db.Where("event_id = ?", event.EventID).First(&stored).Error)
	require.EqualValues(t, 50, stored.Amount)
}

func TestProcessTrigger_IneligibleHasNoSideEffects(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, db := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "GOVERN", RewardAmount: 500, MinTier: "Governor", IsActive: true,
	})

	_, err := svc.ProcessTrigger(ctx, "GOVERN", votePayload())
	require.Error(t, err)

	var baseErr errutil.BaseError
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusUnprocessableEntity, baseErr.Code)

	var eventCount, entryCount int64
	require.NoError(t, db.Model(&RewardEvent{}).Count(&eventCount).Error)
	require.NoError(t, db.Model(&LedgerEntry{}).Count(&entryCount).Error)
	require.Zero(t, eventCount)
	require.Zero(t, entryCount)
	require.Empty(t, mock.calls)
}

func TestProcessTrigger_UnknownRule(t *testing.T) {
	svc, _, _ := newTestService(t, &disburserMock{})

	_, err := svc.ProcessTrigger(context.Background(), "NOPE", votePayload())
	require.Error(t, err)

	var baseErr errutil.BaseError
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusNotFound, baseErr.Code)
}

func TestProcessReward_FailedDisbursementIsRetryable(t *testing.T) {
	mock := &disburserMock{
		disburseFunc: func(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
			return nil, errors.New("settlement unavailable")
		},
	}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	event, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.Error(t, err)
	require.NotNil(t, event)

	entries, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryStatusFailed, entries[0].Status)

	// The operator retry creates a fresh entry linked to the failed one.
	mock.disburseFunc = nil
	retry, err := svc.Retry(ctx, entries[0].EntryID)
	require.NoError(t, err)
	require.Equal(t, entries[0].EntryID, retry.RetryOf)

	entries, err = svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]LedgerEntry{}
	for _, e := range entries {
		byID[e.EntryID] = e
	}
	require.Equal(t, EntryStatusFailed, byID[retry.RetryOf].Status)
	require.Equal(t, EntryStatusCompleted, byID[retry.EntryID].Status)
}

func TestRetry_RejectsNonFailedEntries(t *testing.T) {
	svc, registry, _ := newTestService(t, &disburserMock{})
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	_, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)

	entries, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = svc.Retry(ctx, entries[0].EntryID)
	var baseErr errutil.BaseError
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusConflict, baseErr.Code)

	_, err = svc.Retry(ctx, "missing")
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusNotFound, baseErr.Code)
}

func TestReport_HandlerIsolation(t *testing.T) {
	svc, _, _ := newTestService(t, &disburserMock{})
	ctx := context.Background()

	var order []string
	svc.Subscribe("civic.vote", func(ctx context.Context, payload map[string]any) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	svc.Subscribe("civic.vote", func(ctx context.Context, payload map[string]any) error {
		order = append(order, "second")
		panic("worse")
	})
	svc.Subscribe("civic.vote", func(ctx context.Context, payload map[string]any) error {
		order = append(order, "third")
		return nil
	})

	svc.Report(ctx, "civic.vote", votePayload())
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestReport_BoundTriggerRoute(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "FEEDBACK", RewardAmount: 75, MinTier: "Citizen", IsActive: true,
	})
	svc.BindTrigger("civic.feedback", "FEEDBACK")

	svc.Report(ctx, "civic.feedback", votePayload())

	events, err := svc.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "FEEDBACK", events[0].RuleID)
	require.EqualValues(t, 75, events[0].Amount)
}

func TestOnCompleted_NotifiesOncePerCompletedEvent(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	var notified []RewardEvent
	svc.OnCompleted(func(ev RewardEvent) { notified = append(notified, ev) })
	svc.OnCompleted(func(ev RewardEvent) { panic("listener bug") })

	event, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)

	require.Len(t, notified, 1)
	require.Equal(t, event.EventID, notified[0].EventID)
}

func TestOnCompleted_NoNotificationOnFailure(t *testing.T) {
	mock := &disburserMock{
		disburseFunc: func(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
			return nil, errors.New("down")
		},
	}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	var notified int
	svc.OnCompleted(func(RewardEvent) { notified++ })

	_, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.Error(t, err)
	require.Zero(t, notified)
}

func TestOnCompleted_SettledEntryNotRenotified(t *testing.T) {
	mock := &disburserMock{}
	svc, _, db := newTestService(t, mock)
	ctx := context.Background()

	event := RewardEvent{
		EventID: "ev-1", RuleID: "VOTE", SubjectID: "subject-1",
		WalletRef: "wallet-1", Amount: 50, Valid: true,
	}
	entry := LedgerEntry{
		EntryID: "le-1", Type: EntryTypeReward, EventID: "ev-1",
		Amount: 50, Status: EntryStatusCompleted,
	}
	require.NoError(t, db.Create(&event).Error)
	require.NoError(t, db.Create(&entry).Error)

	var notified int
	svc.OnCompleted(func(RewardEvent) { notified++ })

	// An entry that already reached a terminal status must not fire the
	// completion listeners again.
	require.NoError(t, svc.settle(ctx, &event, &entry))
	require.Zero(t, notified)

	var stored LedgerEntry
	require.NoError(t, db.Where("entry_id = ?", "le-1").First(&stored).Error)
	require.Equal(t, EntryStatusCompleted, stored.Status)
}

func TestStatistics(t *testing.T) {
	failNext := false
	mock := &disburserMock{
		disburseFunc: func(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
			if failNext {
				return nil, errors.New("down")
			}
			return &DisburseResult{NodeID: "node-1"}, nil
		},
	}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})
	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "FEEDBACK", RewardAmount: 75, MinTier: "Citizen", IsActive: true,
	})

	_, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)
	_, err = svc.ProcessTrigger(ctx, "FEEDBACK", votePayload())
	require.NoError(t, err)

	failNext = true
	_, err = svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.Error(t, err)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalEvents)
	require.EqualValues(t, 125, stats.TotalDisbursed)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	require.EqualValues(t, 2, stats.ActivationsByRule["VOTE"])
	require.EqualValues(t, 1, stats.ActivationsByRule["FEEDBACK"])
	require.NotNil(t, stats.LastActivity)
}

func TestExportImport_RoundTrip(t *testing.T) {
	mock := &disburserMock{}
	svc, registry, _ := newTestService(t, mock)
	ctx := context.Background()

	registerRule(t, registry, &trigger.TriggerRule{
		RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true,
	})

	_, err := svc.ProcessTrigger(ctx, "VOTE", votePayload())
	require.NoError(t, err)
	_, err = svc.ProcessTrigger(ctx, "VOTE", map[string]any{
		"subject_id": "subject-2", "wallet_ref": "wallet-2", "tier": "Moderator",
	})
	require.NoError(t, err)

	snap, err := svc.Export(ctx)
	require.NoError(t, err)
	require.Equal(t, SnapshotFormatVersion, snap.FormatVersion)
	require.Len(t, snap.Events, 2)
	require.Len(t, snap.Entries, 2)

	// Re-ingest into a fresh store and compare the query surface. The
	// subtest scope gives the restored service its own database.
	t.Run("restore", func(t *testing.T) {
		restored, _, _ := newTestService(t, mock)
		require.NoError(t, restored.Import(ctx, snap))

		origHistory, err := svc.History(ctx)
		require.NoError(t, err)
		restoredHistory, err := restored.History(ctx)
		require.NoError(t, err)
		require.Equal(t, len(origHistory), len(restoredHistory))
		for i := range origHistory {
			require.Equal(t, origHistory[i].EntryID, restoredHistory[i].EntryID)
			require.Equal(t, origHistory[i].Status, restoredHistory[i].Status)
			require.Equal(t, origHistory[i].Amount, restoredHistory[i].Amount)
		}

		origStats, err := svc.Statistics(ctx)
		require.NoError(t, err)
		restoredStats, err := restored.Statistics(ctx)
		require.NoError(t, err)
		require.Equal(t, origStats.TotalEvents, restoredStats.TotalEvents)
		require.Equal(t, origStats.TotalDisbursed, restoredStats.TotalDisbursed)
		require.Equal(t, origStats.ActivationsByRule, restoredStats.ActivationsByRule)

		require.Error(t, restored.Import(ctx, &Snapshot{FormatVersion: "v0"}))
	})
}
