package disbursement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"civicledger/pkg/config"
	"civicledger/pkg/errutil"
	"civicledger/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRecencyWindow = time.Hour

// Service routes payouts across the settlement node pool and drives each one
// through its audited phases.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	backend  SettlementBackend
	enqueuer Enqueuer
	seq      sequence.Generator
	logger   *zap.Logger
	tracer   trace.Tracer

	phaseDelay    time.Duration
	recencyWindow time.Duration

	// mu serializes node selection and payout creation. Phase advancement
	// relies on guarded row updates instead.
	mu sync.Mutex
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Backend  SettlementBackend
	Enqueuer Enqueuer       `optional:"true"`
	Config   *config.Config `optional:"true"`
	Logger   *zap.Logger
	Sequence sequence.Generator   `optional:"true"`
	Tracer   trace.TracerProvider `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recency := defaultRecencyWindow
	phaseDelay := time.Duration(0)
	if p.Config != nil {
		if p.Config.Incentive.RecencyWindow > 0 {
			recency = p.Config.Incentive.RecencyWindow
		}
		phaseDelay = p.Config.Incentive.PhaseDelay
	}

	provider := p.Tracer
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &Service{
		db:            p.DB,
		node:          p.Node,
		backend:       p.Backend,
		enqueuer:      p.Enqueuer,
		seq:           p.Sequence,
		logger:        logger,
		tracer:        provider.Tracer("disbursement"),
		phaseDelay:    phaseDelay,
		recencyWindow: recency,
	}
}

// RegisterNode adds a settlement node to the pool.
func (s *Service) RegisterNode(ctx context.Context, node *SettlementNode) error {
	if strings.TrimSpace(node.NodeID) == "" {
		return errutil.BadRequest("node_id is required")
	}
	if node.Status == "" {
		node.Status = NodeStatusActive
	}
	if node.Status != NodeStatusActive && node.Status != NodeStatusMaintenance && node.Status != NodeStatusOffline {
		return errutil.BadRequest("unknown node status " + node.Status)
	}
	if node.SuccessRate < 0 || node.SuccessRate > 1 {
		return errutil.BadRequest("success_rate must be within [0, 1]")
	}
	if node.AvgLatency < 0 {
		return errutil.BadRequest("avg_latency must not be negative")
	}
	node.CreatedAt = time.Now().UTC()

	err := s.db.WithContext(ctx).Create(node).Error
	if err != nil {
		var existing SettlementNode
		if s.db.WithContext(ctx).Where("node_id = ?", node.NodeID).First(&existing).Error == nil {
			return errutil.Conflict("settlement node already registered")
		}
		s.logger.Error("failed to register node", zap.String("node_id", node.NodeID), zap.Error(err))
		return errutil.Internal("failed to register node")
	}
	return nil
}

// SetNodeStatus moves a node between active, maintenance and offline.
func (s *Service) SetNodeStatus(ctx context.Context, nodeID, status string) error {
	if status != NodeStatusActive && status != NodeStatusMaintenance && status != NodeStatusOffline {
		return errutil.BadRequest("unknown node status " + status)
	}

	res := s.db.WithContext(ctx).Model(&SettlementNode{}).
		Where("node_id = ?", nodeID).
		Update("status", status)
	if res.Error != nil {
		s.logger.Error("failed to update node status", zap.String("node_id", nodeID), zap.Error(res.Error))
		return errutil.Internal("failed to update node status")
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("settlement node not found")
	}
	return nil
}

// Nodes returns the settlement pool in first-seen order.
func (s *Service) Nodes(ctx context.Context) ([]SettlementNode, error) {
	var nodes []SettlementNode
	err := s.db.WithContext(ctx).Order("created_at ASC").Order("node_id ASC").Find(&nodes).Error
	if err != nil {
		s.logger.Error("failed to list nodes", zap.Error(err))
		return nil, errutil.Internal("failed to list nodes")
	}
	return nodes, nil
}

// Submit routes a transfer: selects a node, prices the transfer, records the
// pending payout with its initiation audit entry, and schedules the phase
// chain. Submission is synchronous; phases complete in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "disbursement.Submit",
		trace.WithAttributes(attribute.String("source_id", req.SourceID), attribute.Int64("amount", req.Amount)))
	defer span.End()

	payout, err := s.createPayout(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueAdvance(ctx, payout.PayoutID, s.phaseDelay); err != nil {
			s.logger.Error("failed to schedule phase advancement",
				zap.String("payout_id", payout.PayoutID), zap.Error(err))
		}
	}

	return &SubmitResult{
		PayoutID:          payout.PayoutID,
		Fee:               payout.Fee,
		EstimatedDelivery: payout.EstimatedDelivery,
		NodeID:            payout.NodeID,
	}, nil
}

// DisburseReward settles a reward inline, driving every phase to a terminal
// state before returning. The observer uses this path so a reward's ledger
// entry settles in the same call.
func (s *Service) DisburseReward(ctx context.Context, sourceID string, amount int64, recipient string) (*PayoutRequest, error) {
	payout, err := s.createPayout(ctx, SubmitRequest{
		SourceID:  sourceID,
		Amount:    amount,
		Recipient: recipient,
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < 8; i++ {
		terminal, err := s.Advance(ctx, payout.PayoutID)
		if err != nil {
			return nil, err
		}
		if terminal {
			break
		}
	}

	settled, err := s.Status(ctx, payout.PayoutID)
	if err != nil {
		return nil, err
	}
	if settled.Status != PayoutStatusCompleted {
		return settled, errutil.UnprocessableEntity("disbursement failed for payout " + settled.PayoutID)
	}
	return settled, nil
}

func (s *Service) createPayout(ctx context.Context, req SubmitRequest) (*PayoutRequest, error) {
	if strings.TrimSpace(req.SourceID) == "" {
		return nil, errutil.BadRequest("source_id is required")
	}
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be positive")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, errutil.BadRequest("recipient is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing PayoutRequest
	if err := s.db.WithContext(ctx).Where("source_id = ?", req.SourceID).First(&existing).Error; err == nil {
		return nil, errutil.Conflict("a payout already exists for source " + req.SourceID)
	}

	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	selected := selectNode(nodes, now, s.recencyWindow)
	if selected == nil {
		return nil, errutil.UnprocessableEntity("no active settlement node available")
	}

	payout := &PayoutRequest{
		PayoutID:          s.node.Generate().String(),
		SourceID:          req.SourceID,
		Amount:            req.Amount,
		Recipient:         req.Recipient,
		NodeID:            selected.NodeID,
		Fee:               computeFee(req.Amount),
		EstimatedDelivery: estimateDelivery(now, selected.AvgLatency, req.Amount),
		Status:            PayoutStatusPending,
		Phase:             PhaseInitiation,
		VerificationToken: verificationToken(req.SourceID, req.Amount, req.Recipient, now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if s.seq != nil {
		if code, err := s.seq.NextPayoutCode(ctx); err == nil {
			payout.Code = code
		} else {
			s.logger.Warn("failed to generate payout code", zap.Error(err))
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payout).Error; err != nil {
			return err
		}
		return tx.Create(s.audit(payout, PhaseInitiation, "payout initiated")).Error
	})
	if err != nil {
		s.logger.Error("failed to create payout", zap.String("source_id", req.SourceID), zap.Error(err))
		return nil, errutil.Internal("failed to create payout")
	}

	s.logger.Info("payout submitted",
		zap.String("payout_id", payout.PayoutID),
		zap.String("node_id", payout.NodeID),
		zap.Int64("amount", payout.Amount),
		zap.Int64("fee", payout.Fee),
	)
	return payout, nil
}

// Advance moves a payout through its next phase. It reports whether the
// payout is terminal afterward. Guarded row updates make concurrent calls
// for the same payout advance it at most once per phase.
func (s *Service) Advance(ctx context.Context, payoutID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "disbursement.Advance",
		trace.WithAttributes(attribute.String("payout_id", payoutID)))
	defer span.End()

	var payout PayoutRequest
	err := s.db.WithContext(ctx).Where("payout_id = ?", payoutID).First(&payout).Error
	if err == gorm.ErrRecordNotFound {
		return true, errutil.NotFound("payout not found")
	}
	if err != nil {
		s.logger.Error("failed to load payout", zap.String("payout_id", payoutID), zap.Error(err))
		return false, errutil.Internal("failed to load payout")
	}

	if payout.Terminal() {
		return true, nil
	}

	if payout.CancelRequested {
		return true, s.failPayout(ctx, &payout, "cancelled")
	}

	switch payout.Phase {
	case PhaseInitiation:
		_, err := s.transition(ctx, &payout, PhaseVerification, PayoutStatusProcessing, "verification token accepted")
		return false, err
	case PhaseVerification:
		// Commit the phase before touching the backend. Settlement runs only
		// when this call won the transition, so a redelivered task that finds
		// the payout already in the disbursement phase never settles twice.
		advanced, err := s.transition(ctx, &payout, PhaseDisbursement, PayoutStatusProcessing, "funds handed to settlement backend")
		if err != nil {
			return false, err
		}
		if !advanced {
			return false, nil
		}
		if err := s.backend.Settle(ctx, &payout); err != nil {
			return true, s.failPayout(ctx, &payout, "settlement failed: "+err.Error())
		}
		return false, nil
	case PhaseDisbursement:
		return true, s.completePayout(ctx, &payout)
	default:
		return true, nil
	}
}

func (s *Service) transition(ctx context.Context, payout *PayoutRequest, nextPhase, nextStatus, note string) (bool, error) {
	fromPhase := payout.Phase

	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PayoutRequest{}).
			Where("payout_id = ? AND phase = ? AND status IN ?", payout.PayoutID, fromPhase,
				[]string{PayoutStatusPending, PayoutStatusProcessing}).
			Updates(map[string]any{
				"phase":      nextPhase,
				"status":     nextStatus,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		advanced = true
		payout.Phase = nextPhase
		payout.Status = nextStatus
		return tx.Create(s.audit(payout, nextPhase, note)).Error
	})
	if err != nil {
		s.logger.Error("failed to advance payout",
			zap.String("payout_id", payout.PayoutID), zap.String("phase", nextPhase), zap.Error(err))
		return false, errutil.Internal("failed to advance payout")
	}
	return advanced, nil
}

func (s *Service) completePayout(ctx context.Context, payout *PayoutRequest) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PayoutRequest{}).
			Where("payout_id = ? AND phase = ? AND status = ?", payout.PayoutID, PhaseDisbursement, PayoutStatusProcessing).
			Updates(map[string]any{
				"phase":      PhaseCompletion,
				"status":     PayoutStatusCompleted,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		payout.Phase = PhaseCompletion
		payout.Status = PayoutStatusCompleted
		if err := tx.Create(s.audit(payout, PhaseCompletion, "payout completed")).Error; err != nil {
			return err
		}
		return s.recordOutcome(tx, payout.NodeID, payout.Amount, true)
	})
	if err != nil {
		s.logger.Error("failed to complete payout", zap.String("payout_id", payout.PayoutID), zap.Error(err))
		return errutil.Internal("failed to complete payout")
	}

	s.logger.Info("payout completed",
		zap.String("payout_id", payout.PayoutID), zap.String("node_id", payout.NodeID))
	return nil
}

func (s *Service) failPayout(ctx context.Context, payout *PayoutRequest, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PayoutRequest{}).
			Where("payout_id = ? AND status IN ?", payout.PayoutID,
				[]string{PayoutStatusPending, PayoutStatusProcessing}).
			Updates(map[string]any{
				"phase":      PhaseFailure,
				"status":     PayoutStatusFailed,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		payout.Phase = PhaseFailure
		payout.Status = PayoutStatusFailed
		if err := tx.Create(s.audit(payout, PhaseFailure, reason)).Error; err != nil {
			return err
		}
		return s.recordOutcome(tx, payout.NodeID, payout.Amount, false)
	})
	if err != nil {
		s.logger.Error("failed to mark payout failed", zap.String("payout_id", payout.PayoutID), zap.Error(err))
		return errutil.Internal("failed to mark payout failed")
	}

	s.logger.Warn("payout failed",
		zap.String("payout_id", payout.PayoutID),
		zap.String("node_id", payout.NodeID),
		zap.String("reason", reason),
	)
	return nil
}

// recordOutcome folds a terminal result into the node's rolling metrics.
// Volume moves only on success. The arithmetic runs inside the UPDATE so
// concurrent terminal payouts on the same node cannot lose an outcome to a
// stale read.
func (s *Service) recordOutcome(tx *gorm.DB, nodeID string, amount int64, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	updates := map[string]any{
		"payout_count":   gorm.Expr("payout_count + 1"),
		"success_rate":   gorm.Expr("(success_rate * payout_count + ?) / (payout_count + 1)", outcome),
		"last_active_at": time.Now().UTC(),
	}
	if success {
		updates["volume"] = gorm.Expr("volume + ?", amount)
	}

	res := tx.Model(&SettlementNode{}).Where("node_id = ?", nodeID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Cancel flags a payout so the next phase step stops the chain. Terminal
// payouts cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, payoutID string) error {
	res := s.db.WithContext(ctx).Model(&PayoutRequest{}).
		Where("payout_id = ? AND status IN ?", payoutID,
			[]string{PayoutStatusPending, PayoutStatusProcessing}).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		s.logger.Error("failed to request cancellation", zap.String("payout_id", payoutID), zap.Error(res.Error))
		return errutil.Internal("failed to request cancellation")
	}
	if res.RowsAffected == 0 {
		var payout PayoutRequest
		if err := s.db.WithContext(ctx).Where("payout_id = ?", payoutID).First(&payout).Error; err != nil {
			return errutil.NotFound("payout not found")
		}
		return errutil.Conflict("payout already " + strings.ToLower(payout.Status))
	}
	return nil
}

// Status returns the payout row.
func (s *Service) Status(ctx context.Context, payoutID string) (*PayoutRequest, error) {
	var payout PayoutRequest
	err := s.db.WithContext(ctx).Where("payout_id = ?", payoutID).First(&payout).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errutil.NotFound("payout not found")
	}
	if err != nil {
		s.logger.Error("failed to load payout", zap.String("payout_id", payoutID), zap.Error(err))
		return nil, errutil.Internal("failed to load payout")
	}
	return &payout, nil
}

// AuditTrail returns the payout's audit entries in phase order.
func (s *Service) AuditTrail(ctx context.Context, payoutID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("created_at ASC").Order("audit_id ASC").
		Find(&entries).Error
	if err != nil {
		s.logger.Error("failed to load audit trail", zap.String("payout_id", payoutID), zap.Error(err))
		return nil, errutil.Internal("failed to load audit trail")
	}
	return entries, nil
}

// Recent returns the most recently submitted payouts.
func (s *Service) Recent(ctx context.Context, limit int) ([]PayoutRequest, error) {
	if limit <= 0 {
		limit = 20
	}

	var payouts []PayoutRequest
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("payout_id DESC").
		Limit(limit).
		Find(&payouts).Error
	if err != nil {
		s.logger.Error("failed to list recent payouts", zap.Error(err))
		return nil, errutil.Internal("failed to list recent payouts")
	}
	return payouts, nil
}

// NetworkMetrics summarizes the settlement pool. Fewer than three active
// nodes is always critical.
func (s *Service) NetworkMetrics(ctx context.Context) (*NetworkMetrics, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &NetworkMetrics{TotalNodes: int64(len(nodes))}
	var successSum float64
	for i := range nodes {
		metrics.TotalVolume += nodes[i].Volume
		successSum += nodes[i].SuccessRate
		if nodes[i].Status == NodeStatusActive {
			metrics.ActiveNodes++
		}
	}
	if len(nodes) > 0 {
		metrics.MeanSuccessRate = successSum / float64(len(nodes))
	}
	metrics.Health = healthLabel(metrics.ActiveNodes, metrics.MeanSuccessRate)
	return metrics, nil
}

func healthLabel(activeNodes int64, meanSuccess float64) string {
	if activeNodes < 3 {
		return HealthCritical
	}
	switch {
	case meanSuccess >= 0.95:
		return HealthExcellent
	case meanSuccess >= 0.90:
		return HealthGood
	case meanSuccess >= 0.80:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// Export serializes the payout log, audit trail and node pool.
func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	var payouts []PayoutRequest
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("payout_id ASC").Find(&payouts).Error; err != nil {
		return nil, errutil.Internal("failed to export payouts")
	}

	var audits []AuditEntry
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("audit_id ASC").Find(&audits).Error; err != nil {
		return nil, errutil.Internal("failed to export audit entries")
	}

	metrics, err := s.NetworkMetrics(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		FormatVersion: SnapshotFormatVersion,
		ExportedAt:    time.Now().UTC(),
		Nodes:         nodes,
		Payouts:       payouts,
		Audits:        audits,
		Metrics:       *metrics,
	}, nil
}

// Import re-ingests an exported snapshot. Existing rows win on conflict so
// repeated imports are idempotent.
func (s *Service) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errutil.BadRequest("snapshot must not be nil")
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		return errutil.BadRequest("unsupported snapshot format " + snap.FormatVersion)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range snap.Nodes {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Nodes[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Payouts {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Payouts[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Audits {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Audits[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) audit(payout *PayoutRequest, phase, note string) *AuditEntry {
	return &AuditEntry{
		AuditID:    s.node.Generate().String(),
		PayoutID:   payout.PayoutID,
		Phase:      phase,
		NodeID:     payout.NodeID,
		Amount:     payout.Amount,
		StatusText: note,
		CreatedAt:  time.Now().UTC(),
	}
}

func verificationToken(sourceID string, amount int64, recipient string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", sourceID, amount, recipient, at.UnixNano())))
	return hex.EncodeToString(sum[:])
}
