package observer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"civicledger/pkg/errutil"
	"civicledger/pkg/sequence"
	"civicledger/services/trigger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler receives the payload reported on a subscribed route.
type Handler func(ctx context.Context, payload map[string]any) error

// DisburseRequest asks the settlement side to move value for a completed
// reward validation.
type DisburseRequest struct {
	ReferenceID string
	Amount      int64
	Recipient   string
}

type DisburseResult struct {
	NodeID string
}

// Disburser is the settlement port the observer hands validated rewards to.
// The disbursement router implements it in production; tests inject fakes.
type Disburser interface {
	Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
}

// Service bridges named external action routes to the trigger registry and
// the ledger. It owns the append-only event and transaction history.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	registry  *trigger.Service
	disburser Disburser
	seq       sequence.Generator
	logger    *zap.Logger

	mu        sync.RWMutex
	handlers  map[string][]Handler
	listeners []func(RewardEvent)
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Registry  *trigger.Service
	Disburser Disburser
	Logger    *zap.Logger
	Sequence  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		registry:  p.Registry,
		disburser: p.Disburser,
		seq:       p.Sequence,
		logger:    logger,
		handlers:  make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a named action route. Handlers run in
// registration order; one handler's failure never blocks the others.
func (s *Service) Subscribe(route string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[route] = append(s.handlers[route], h)
}

// BindTrigger subscribes a route directly to a trigger rule so that every
// report on the route attempts a reward validation for that rule.
func (s *Service) BindTrigger(route, ruleID string) {
	s.Subscribe(route, func(ctx context.Context, payload map[string]any) error {
		_, err := s.ProcessTrigger(ctx, ruleID, payload)
		return err
	})
}

// Report invokes all handlers subscribed to the route. Fire-and-forget from
// the caller's perspective; side effects are visible via the query surface.
func (s *Service) Report(ctx context.Context, route string, payload map[string]any) {
	s.mu.RLock()
	handlers := make([]Handler, len(s.handlers[route]))
	copy(handlers, s.handlers[route])
	s.mu.RUnlock()

	for _, h := range handlers {
		s.invoke(ctx, route, h, payload)
	}
}

func (s *Service) invoke(ctx context.Context, route string, h Handler, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("route handler panicked", zap.String("route", route), zap.Any("panic", r))
		}
	}()

	if err := h(ctx, payload); err != nil {
		s.logger.Warn("route handler failed", zap.String("route", route), zap.Error(err))
	}
}

// OnCompleted registers a listener for completed reward events. Delivery is
// at-most-once per completed event, with no replay.
func (s *Service) OnCompleted(fn func(RewardEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notifyCompleted(event RewardEvent) {
	s.mu.RLock()
	listeners := make([]func(RewardEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("completed-event listener panicked", zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}

// ProcessTrigger validates a reported action against the registry and, when
// eligible, records the reward event and hands it to the disbursement step.
func (s *Service) ProcessTrigger(ctx context.Context, ruleID string, payload map[string]any) (*RewardEvent, error) {
	vctx := contextFromPayload(payload)

	rule, err := s.registry.Get(ctx, ruleID)
	if err != nil {
		s.logger.Info("trigger rejected", zap.String("rule_id", ruleID), zap.String("reason", trigger.ReasonNotFound))
		return nil, err
	}

	result := s.registry.Eligibility(rule, vctx)
	if !result.Eligible {
		s.logger.Info("trigger rejected",
			zap.String("rule_id", ruleID),
			zap.String("subject_id", vctx.SubjectID),
			zap.String("reason", result.Reason),
		)
		return nil, errutil.UnprocessableEntity(result.Reason, errutil.WithDetails(errutil.Detail{
			Field: "rule_id", Message: ruleID,
		}))
	}

	event := &RewardEvent{
		EventID:           s.node.Generate().String(),
		RuleID:            rule.RuleID,
		SubjectID:         vctx.SubjectID,
		WalletRef:         vctx.WalletRef,
		Amount:            rule.RewardAmount,
		VerificationToken: vctx.VerificationToken,
		Valid:             true,
		Route:             asString(payload["route"]),
		CreatedAt:         time.Now().UTC(),
	}

	if s.seq != nil {
		if code, err := s.seq.NextEventCode(ctx); err == nil {
			event.Code = code
		} else {
			s.logger.Warn("failed to generate event code", zap.Error(err))
		}
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.logger.Error("failed to persist reward event", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to record reward event")
	}

	s.registry.RecordActivation(ctx, rule.RuleID)

	if err := s.ProcessReward(ctx, event); err != nil {
		return event, err
	}

	return event, nil
}

// ProcessReward creates a pending ledger entry for the event, invokes the
// disbursement port, and settles the entry to its terminal status. A failed
// disbursement leaves the entry failed and retryable via Retry.
func (s *Service) ProcessReward(ctx context.Context, event *RewardEvent) error {
	entry := &LedgerEntry{
		EntryID:   s.node.Generate().String(),
		Type:      EntryTypeReward,
		EventID:   event.EventID,
		Amount:    event.Amount,
		Status:    EntryStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	entry.Metadata = metadataJSON(map[string]string{"rule_id": event.RuleID, "route": event.Route})

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("failed to create ledger entry", zap.String("event_id", event.EventID), zap.Error(err))
		return errutil.Internal("failed to create ledger entry")
	}

	return s.settle(ctx, event, entry)
}

// Retry re-attempts disbursement for a failed ledger entry. The failed entry
// stays terminal; the retry is a new entry linked through retry_of.
func (s *Service) Retry(ctx context.Context, entryID string) (*LedgerEntry, error) {
	var failed LedgerEntry
	err := s.db.WithContext(ctx).Where("entry_id = ?", entryID).First(&failed).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errutil.NotFound("ledger entry not found")
	}
	if err != nil {
		s.logger.Error("failed to load ledger entry", zap.String("entry_id", entryID), zap.Error(err))
		return nil, errutil.Internal("failed to load ledger entry")
	}

	if failed.Status != EntryStatusFailed {
		return nil, errutil.Conflict("only failed entries can be retried")
	}

	var event RewardEvent
	if err := s.db.WithContext(ctx).Where("event_id = ?", failed.EventID).First(&event).Error; err != nil {
		s.logger.Error("failed to load reward event for retry", zap.String("entry_id", entryID), zap.Error(err))
		return nil, errutil.Internal("failed to load reward event")
	}

	retry := &LedgerEntry{
		EntryID:   s.node.Generate().String(),
		Type:      failed.Type,
		EventID:   failed.EventID,
		Amount:    failed.Amount,
		Status:    EntryStatusPending,
		RetryOf:   failed.EntryID,
		Metadata:  failed.Metadata,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(retry).Error; err != nil {
		s.logger.Error("failed to create retry entry", zap.String("entry_id", entryID), zap.Error(err))
		return nil, errutil.Internal("failed to create retry entry")
	}

	if err := s.settle(ctx, &event, retry); err != nil {
		return retry, err
	}

	return retry, nil
}

func (s *Service) settle(ctx context.Context, event *RewardEvent, entry *LedgerEntry) error {
	result, err := s.disburser.Disburse(ctx, DisburseRequest{
		ReferenceID: entry.EntryID,
		Amount:      entry.Amount,
		Recipient:   event.WalletRef,
	})

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if err != nil {
		updates["status"] = EntryStatusFailed
		updates["metadata"] = mergeMetadata(entry.Metadata, map[string]string{"failure": err.Error()})
	} else {
		updates["status"] = EntryStatusCompleted
		if result != nil && result.NodeID != "" {
			updates["metadata"] = mergeMetadata(entry.Metadata, map[string]string{"node_id": result.NodeID})
		}
	}

	res := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entry.EntryID, EntryStatusPending).
		Updates(updates)
	if res.Error != nil {
		s.logger.Error("failed to settle ledger entry", zap.String("entry_id", entry.EntryID), zap.Error(res.Error))
		return errutil.Internal("failed to settle ledger entry")
	}

	if err != nil {
		s.logger.Warn("disbursement failed, entry left retryable",
			zap.String("entry_id", entry.EntryID),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return errutil.UnprocessableEntity("disbursement failed", errutil.WithErr(err))
	}

	// The entry may have been settled by another path in the meantime.
	// Completion listeners fire only for the write that actually settled it.
	if res.RowsAffected == 1 {
		s.notifyCompleted(*event)
	}
	return nil
}

// RecentEvents returns the most recent reward events, newest first.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]RewardEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	var events []RewardEvent
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("event_id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		s.logger.Error("failed to query recent events", zap.Error(err))
		return nil, errutil.Internal("failed to query recent events")
	}
	return events, nil
}

// PendingEntries returns ledger entries that have not reached a terminal
// status.
func (s *Service) PendingEntries(ctx context.Context) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", EntryStatusPending).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		s.logger.Error("failed to query pending entries", zap.Error(err))
		return nil, errutil.Internal("failed to query pending entries")
	}
	return entries, nil
}

// History returns all ledger entries, newest first.
func (s *Service) History(ctx context.Context) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("entry_id DESC").
		Find(&entries).Error
	if err != nil {
		s.logger.Error("failed to query history", zap.Error(err))
		return nil, errutil.Internal("failed to query history")
	}
	return entries, nil
}

// Statistics recomputes aggregate reward figures on demand.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ActivationsByRule: make(map[string]int64)}

	if err := s.db.WithContext(ctx).Model(&RewardEvent{}).Count(&stats.TotalEvents).Error; err != nil {
		return nil, errutil.Internal("failed to compute statistics")
	}

	type ruleCount struct {
		RuleID string
		Total  int64
	}
	var perRule []ruleCount
	if err := s.db.WithContext(ctx).Model(&RewardEvent{}).
		Select("rule_id, COUNT(*) AS total").
		Group("rule_id").
		Scan(&perRule).Error; err != nil {
		return nil, errutil.Internal("failed to compute statistics")
	}
	for _, rc := range perRule {
		stats.ActivationsByRule[rc.RuleID] = rc.Total
	}

	var disbursed struct{ Total int64 }
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("status = ?", EntryStatusCompleted).
		Scan(&disbursed).Error; err != nil {
		return nil, errutil.Internal("failed to compute statistics")
	}
	stats.TotalDisbursed = disbursed.Total

	var completed, failed int64
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("status = ?", EntryStatusCompleted).Count(&completed).Error; err != nil {
		return nil, errutil.Internal("failed to compute statistics")
	}
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("status = ?", EntryStatusFailed).Count(&failed).Error; err != nil {
		return nil, errutil.Internal("failed to compute statistics")
	}
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}

	var latest RewardEvent
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&latest).Error
	if err == nil {
		t := latest.CreatedAt
		stats.LastActivity = &t
	} else if err != gorm.ErrRecordNotFound {
		return nil, errutil.Internal("failed to compute statistics")
	}

	return stats, nil
}

// Export serializes the full history plus computed statistics for external
// audit.
func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	var events []RewardEvent
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("event_id ASC").Find(&events).Error; err != nil {
		return nil, errutil.Internal("failed to export events")
	}

	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("entry_id ASC").Find(&entries).Error; err != nil {
		return nil, errutil.Internal("failed to export entries")
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		FormatVersion: SnapshotFormatVersion,
		ExportedAt:    time.Now().UTC(),
		Events:        events,
		Entries:       entries,
		Stats:         *stats,
	}, nil
}

// Import re-ingests an exported snapshot. Existing records win on conflict so
// the operation is idempotent.
func (s *Service) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errutil.BadRequest("snapshot must not be nil")
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		return errutil.BadRequest("unsupported snapshot format " + snap.FormatVersion)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range snap.Events {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Events[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Entries {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Entries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func contextFromPayload(payload map[string]any) trigger.ValidationContext {
	attrs := make(map[string]any, len(payload))
	for k, v := range payload {
		attrs[k] = v
	}

	return trigger.ValidationContext{
		SubjectID:         asString(payload["subject_id"]),
		WalletRef:         asString(payload["wallet_ref"]),
		Tier:              asString(payload["tier"]),
		IdentityRef:       asString(payload["identity_ref"]),
		VerificationToken: asString(payload["verification_token"]),
		Attributes:        attrs,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func metadataJSON(m map[string]string) datatypes.JSON {
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

func mergeMetadata(existing datatypes.JSON, extra map[string]string) datatypes.JSON {
	merged := map[string]string{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &merged)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return metadataJSON(merged)
}
