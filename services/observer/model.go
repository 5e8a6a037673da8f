package observer

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EntryTypeReward     = "REWARD"
	EntryTypeWithdrawal = "WITHDRAWAL"
	EntryTypeTransfer   = "TRANSFER"

	EntryStatusPending   = "PENDING"
	EntryStatusCompleted = "COMPLETED"
	EntryStatusFailed    = "FAILED"
)

// RewardEvent records one validated civic action. The amount is frozen at
// validation time and never re-read from the rule.
type RewardEvent struct {
	EventID           string    `gorm:"column:event_id;primaryKey" json:"event_id"`
	Code              string    `gorm:"column:code" json:"code,omitempty"`
	RuleID            string    `gorm:"column:rule_id;index" json:"rule_id"`
	SubjectID         string    `gorm:"column:subject_id;index" json:"subject_id"`
	WalletRef         string    `gorm:"column:wallet_ref" json:"wallet_ref"`
	Amount            int64     `gorm:"column:amount" json:"amount"`
	VerificationToken string    `gorm:"column:verification_token" json:"verification_token,omitempty"`
	Valid             bool      `gorm:"column:valid" json:"valid"`
	Route             string    `gorm:"column:route" json:"route"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
}

func (RewardEvent) TableName() string { return "reward_events" }

// LedgerEntry is an append-only record of value movement. Status moves
// pending to completed or failed, terminal either way.
type LedgerEntry struct {
	EntryID   string         `gorm:"column:entry_id;primaryKey" json:"entry_id"`
	Type      string         `gorm:"column:type" json:"type"`
	EventID   string         `gorm:"column:event_id;index" json:"event_id,omitempty"`
	PayoutID  string         `gorm:"column:payout_id;index" json:"payout_id,omitempty"`
	Amount    int64          `gorm:"column:amount" json:"amount"`
	Status    string         `gorm:"column:status;index" json:"status"`
	RetryOf   string         `gorm:"column:retry_of" json:"retry_of,omitempty"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e *LedgerEntry) Terminal() bool {
	return e.Status == EntryStatusCompleted || e.Status == EntryStatusFailed
}

// Statistics aggregates the reward history.
type Statistics struct {
	TotalEvents       int64            `json:"total_events"`
	TotalDisbursed    int64            `json:"total_disbursed"`
	SuccessRate       float64          `json:"success_rate"`
	ActivationsByRule map[string]int64 `json:"activations_by_rule"`
	LastActivity      *time.Time       `json:"last_activity,omitempty"`
}

// Snapshot is the export format for external audit. Re-ingesting a snapshot
// reconstructs identical query results.
type Snapshot struct {
	FormatVersion string        `json:"format_version"`
	ExportedAt    time.Time     `json:"exported_at"`
	Events        []RewardEvent `json:"events"`
	Entries       []LedgerEntry `json:"entries"`
	Stats         Statistics    `json:"stats"`
}

// SnapshotFormatVersion tags exported reward history.
const SnapshotFormatVersion = "v1"
