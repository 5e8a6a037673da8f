package disbursement

import (
	"time"
)

const (
	NodeStatusActive      = "ACTIVE"
	NodeStatusMaintenance = "MAINTENANCE"
	NodeStatusOffline     = "OFFLINE"
)

const (
	PayoutStatusPending    = "PENDING"
	PayoutStatusProcessing = "PROCESSING"
	PayoutStatusCompleted  = "COMPLETED"
	PayoutStatusFailed     = "FAILED"
)

const (
	PhaseInitiation   = "INITIATION"
	PhaseVerification = "VERIFICATION"
	PhaseDisbursement = "DISBURSEMENT"
	PhaseCompletion   = "COMPLETION"
	PhaseFailure      = "FAILURE"
)

// SettlementNode is a logical disbursement endpoint. Success rate and volume
// move only on terminal payout outcomes.
type SettlementNode struct {
	NodeID       string    `gorm:"column:node_id;primaryKey" json:"node_id"`
	Name         string    `gorm:"column:name" json:"name"`
	Volume       int64     `gorm:"column:volume" json:"volume"`
	PayoutCount  int64     `gorm:"column:payout_count" json:"payout_count"`
	SuccessRate  float64   `gorm:"column:success_rate" json:"success_rate"`
	AvgLatency   float64   `gorm:"column:avg_latency" json:"avg_latency"`
	LastActiveAt time.Time `gorm:"column:last_active_at" json:"last_active_at"`
	Status       string    `gorm:"column:status;index" json:"status"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (SettlementNode) TableName() string { return "settlement_nodes" }

// PayoutRequest tracks one transfer through its audited phases. SourceID is
// unique so a given withdrawal or trigger maps to exactly one payout.
type PayoutRequest struct {
	PayoutID          string    `gorm:"column:payout_id;primaryKey" json:"payout_id"`
	Code              string    `gorm:"column:code" json:"code,omitempty"`
	SourceID          string    `gorm:"column:source_id;uniqueIndex" json:"source_id"`
	Amount            int64     `gorm:"column:amount" json:"amount"`
	Recipient         string    `gorm:"column:recipient" json:"recipient"`
	NodeID            string    `gorm:"column:node_id;index" json:"node_id"`
	Fee               int64     `gorm:"column:fee" json:"fee"`
	EstimatedDelivery time.Time `gorm:"column:estimated_delivery" json:"estimated_delivery"`
	Status            string    `gorm:"column:status;index" json:"status"`
	Phase             string    `gorm:"column:phase" json:"phase"`
	VerificationToken string    `gorm:"column:verification_token" json:"verification_token"`
	CancelRequested   bool      `gorm:"column:cancel_requested" json:"cancel_requested"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

func (p *PayoutRequest) Terminal() bool {
	return p.Status == PayoutStatusCompleted || p.Status == PayoutStatusFailed
}

// AuditEntry records one phase of a payout's lifecycle. Append-only, ordered
// per payout by creation.
type AuditEntry struct {
	AuditID    string    `gorm:"column:audit_id;primaryKey" json:"audit_id"`
	PayoutID   string    `gorm:"column:payout_id;index" json:"payout_id"`
	Phase      string    `gorm:"column:phase" json:"phase"`
	NodeID     string    `gorm:"column:node_id" json:"node_id"`
	Amount     int64     `gorm:"column:amount" json:"amount"`
	StatusText string    `gorm:"column:status_text" json:"status_text"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

const (
	HealthExcellent = "excellent"
	HealthGood      = "good"
	HealthDegraded  = "degraded"
	HealthCritical  = "critical"
)

// NetworkMetrics summarizes the settlement pool.
type NetworkMetrics struct {
	TotalNodes      int64   `json:"total_nodes"`
	ActiveNodes     int64   `json:"active_nodes"`
	TotalVolume     int64   `json:"total_volume"`
	MeanSuccessRate float64 `json:"mean_success_rate"`
	Health          string  `json:"health"`
}

// Snapshot is the export format for the payout log, audit trail and node
// pool.
type Snapshot struct {
	FormatVersion string           `json:"format_version"`
	ExportedAt    time.Time        `json:"exported_at"`
	Nodes         []SettlementNode `json:"nodes"`
	Payouts       []PayoutRequest  `json:"payouts"`
	Audits        []AuditEntry     `json:"audits"`
	Metrics       NetworkMetrics   `json:"metrics"`
}

// SnapshotFormatVersion tags exported payout history.
const SnapshotFormatVersion = "v1"

// SubmitRequest asks the router to move value to a recipient.
type SubmitRequest struct {
	SourceID  string `json:"source_id"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
}

// SubmitResult reports the synchronous half of a submission. Phases complete
// asynchronously and are visible via Status and AuditTrail.
type SubmitResult struct {
	PayoutID          string    `json:"payout_id"`
	Fee               int64     `json:"fee"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
	NodeID            string    `json:"node_id"`
}
