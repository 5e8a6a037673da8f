package trigger

import (
	"time"
)

// Tier names ordered from lowest to highest civic trust.
var tierOrder = []string{"Citizen", "Contributor", "Moderator", "Governor", "Commander"}

// TierIndex returns the rank of a tier in the fixed ordering, or -1 when the
// tier is unknown.
func TierIndex(name string) int {
	for i, t := range tierOrder {
		if t == name {
			return i
		}
	}
	return -1
}

// Tiers returns the tier ordering, lowest trust first.
func Tiers() []string {
	out := make([]string, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// TriggerRule defines a civic action that earns a fixed reward amount when
// its eligibility conditions are met.
type TriggerRule struct {
	RuleID              string     `gorm:"column:rule_id;primaryKey" json:"rule_id"`
	Category            string     `gorm:"column:category;index" json:"category"`
	RewardAmount        int64      `gorm:"column:reward_amount" json:"reward_amount"`
	MinTier             string     `gorm:"column:min_tier" json:"min_tier"`
	RequireIdentityRef  bool       `gorm:"column:require_identity_ref" json:"require_identity_ref"`
	RequireVerification bool       `gorm:"column:require_verification" json:"require_verification"`
	Criteria            string     `gorm:"column:criteria" json:"criteria,omitempty"`
	IsActive            bool       `gorm:"column:is_active" json:"is_active"`
	ActivationCount     int64      `gorm:"column:activation_count" json:"activation_count"`
	LastActivatedAt     *time.Time `gorm:"column:last_activated_at" json:"last_activated_at,omitempty"`
	CreatedAt           time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (TriggerRule) TableName() string { return "trigger_rules" }

// ValidationContext carries the subject attributes checked against a rule's
// eligibility conditions.
type ValidationContext struct {
	SubjectID         string         `json:"subject_id"`
	WalletRef         string         `json:"wallet_ref"`
	Tier              string         `json:"tier"`
	IdentityRef       string         `json:"identity_ref"`
	VerificationToken string         `json:"verification_token"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

// ValidationResult reports whether a subject is eligible for a rule and, if
// not, the first unmet condition.
type ValidationResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Statistics aggregates the registry catalog.
type Statistics struct {
	TotalRules         int64            `json:"total_rules"`
	ActiveRules        int64            `json:"active_rules"`
	ActiveRewardSum    int64            `json:"active_reward_sum"`
	TopRuleID          string           `json:"top_rule_id,omitempty"`
	TopActivationCount int64            `json:"top_activation_count"`
	ByCategory         map[string]int64 `json:"by_category"`
}
