package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"civicledger/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReasonNotFound is the validation outcome for unknown rule identifiers.
const ReasonNotFound = "not found"

// Service is the trigger rule registry. It owns the catalog of
// reward-eligible civic actions and answers eligibility queries; it never
// moves value itself.
type Service struct {
	repo      Repository
	evaluator *Evaluator
	logger    *zap.Logger
}

// ServiceParams defines dependencies for Service construction.
type ServiceParams struct {
	fx.In

	Repository Repository
	Evaluator  *Evaluator
	Logger     *zap.Logger
}

// NewService constructs a new Service instance.
func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Repository == nil {
		panic("trigger service requires repository dependency")
	}
	if p.Evaluator == nil {
		p.Evaluator = NewEvaluator()
	}
	return &Service{
		repo:      p.Repository,
		evaluator: p.Evaluator,
		logger:    logger,
	}
}

// Register inserts a rule keyed by its identifier. Duplicate identifiers are
// rejected; identifiers are immutable after creation.
func (s *Service) Register(ctx context.Context, rule *TriggerRule) error {
	if rule == nil {
		return errutil.BadRequest("rule must not be nil")
	}
	if strings.TrimSpace(rule.RuleID) == "" {
		return errutil.BadRequest("rule_id is required")
	}
	if rule.RewardAmount <= 0 {
		return errutil.BadRequest("reward_amount must be > 0")
	}
	if rule.MinTier != "" && TierIndex(rule.MinTier) < 0 {
		return errutil.BadRequest(fmt.Sprintf("unknown tier %q", rule.MinTier))
	}
	if rule.MinTier == "" {
		rule.MinTier = tierOrder[0]
	}

	if existing, err := s.repo.GetByID(ctx, rule.RuleID); err == nil && existing != nil {
		return errutil.Conflict("rule already registered", errutil.WithDetails(errutil.Detail{
			Field: "rule_id", Message: rule.RuleID,
		}))
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("failed to check rule existence", zap.String("rule_id", rule.RuleID), zap.Error(err))
		return errutil.Internal("failed to register rule")
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.repo.Create(ctx, rule); err != nil {
		s.logger.Error("failed to create rule", zap.String("rule_id", rule.RuleID), zap.Error(err))
		return errutil.Internal("failed to register rule")
	}

	return nil
}

// Get returns the rule with the given identifier.
func (s *Service) Get(ctx context.Context, ruleID string) (*TriggerRule, error) {
	rule, err := s.repo.GetByID(ctx, ruleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("rule not found")
	}
	if err != nil {
		s.logger.Error("failed to get rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to get rule")
	}
	return rule, nil
}

// ListActive returns all active rules, ordered by the tier ranking (lowest
// trust tier first).
func (s *Service) ListActive(ctx context.Context) ([]TriggerRule, error) {
	rules, err := s.repo.List(ctx, ListParams{OnlyActive: true})
	if err != nil {
		s.logger.Error("failed to list rules", zap.Error(err))
		return nil, errutil.Internal("failed to list rules")
	}
	sortByTier(rules)
	return rules, nil
}

// ListByCategory returns active rules for one action category.
func (s *Service) ListByCategory(ctx context.Context, category string) ([]TriggerRule, error) {
	rules, err := s.repo.List(ctx, ListParams{Category: category, OnlyActive: true})
	if err != nil {
		s.logger.Error("failed to list rules", zap.String("category", category), zap.Error(err))
		return nil, errutil.Internal("failed to list rules")
	}
	sortByTier(rules)
	return rules, nil
}

// ListEligible returns active rules whose minimum tier requirement is at or
// below the subject's tier.
func (s *Service) ListEligible(ctx context.Context, subjectTier string) ([]TriggerRule, error) {
	idx := TierIndex(subjectTier)
	if idx < 0 {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown tier %q", subjectTier))
	}

	rules, err := s.repo.List(ctx, ListParams{OnlyActive: true})
	if err != nil {
		s.logger.Error("failed to list rules", zap.Error(err))
		return nil, errutil.Internal("failed to list rules")
	}

	eligible := rules[:0]
	for _, rule := range rules {
		if TierIndex(rule.MinTier) <= idx {
			eligible = append(eligible, rule)
		}
	}
	sortByTier(eligible)
	return eligible, nil
}

// Validate checks a subject against a rule's eligibility conditions. Unknown
// rule identifiers yield an ineligible result, never an error.
func (s *Service) Validate(ctx context.Context, ruleID string, vctx ValidationContext) (ValidationResult, error) {
	rule, err := s.repo.GetByID(ctx, ruleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ValidationResult{Eligible: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		s.logger.Error("failed to load rule for validation", zap.String("rule_id", ruleID), zap.Error(err))
		return ValidationResult{}, errutil.Internal("failed to validate trigger")
	}

	return s.Eligibility(rule, vctx), nil
}

// Eligibility applies the eligibility checks to a rule snapshot in fixed
// order: active flag, identity reference, verification token, tier, criteria.
// The first failing check short-circuits. The result depends only on the
// snapshot and the context.
func (s *Service) Eligibility(rule *TriggerRule, vctx ValidationContext) ValidationResult {
	if rule == nil {
		return ValidationResult{Eligible: false, Reason: ReasonNotFound}
	}

	if !rule.IsActive {
		return ValidationResult{Eligible: false, Reason: "rule is inactive"}
	}

	if rule.RequireIdentityRef && strings.TrimSpace(vctx.IdentityRef) == "" {
		return ValidationResult{Eligible: false, Reason: "identity reference required"}
	}

	if rule.RequireVerification && strings.TrimSpace(vctx.VerificationToken) == "" {
		return ValidationResult{Eligible: false, Reason: "verification token required"}
	}

	subjectIdx := TierIndex(vctx.Tier)
	if subjectIdx < 0 {
		return ValidationResult{Eligible: false, Reason: fmt.Sprintf("unknown tier %q", vctx.Tier)}
	}
	if subjectIdx < TierIndex(rule.MinTier) {
		return ValidationResult{Eligible: false, Reason: fmt.Sprintf("tier %s below required %s", vctx.Tier, rule.MinTier)}
	}

	if rule.Criteria != "" {
		matched, err := s.evaluator.Evaluate(rule.Criteria, vctx.Attributes)
		if err != nil {
			s.logger.Warn("criteria evaluation failed", zap.String("rule_id", rule.RuleID), zap.Error(err))
			return ValidationResult{Eligible: false, Reason: "criteria evaluation failed"}
		}
		if !matched {
			return ValidationResult{Eligible: false, Reason: "criteria not met"}
		}
	}

	return ValidationResult{Eligible: true}
}

// RecordActivation increments the activation counter and stamps the last
// activation time. Missing rules are a no-op.
func (s *Service) RecordActivation(ctx context.Context, ruleID string) {
	err := s.repo.RecordActivation(ctx, ruleID, time.Now().UTC())
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("failed to record activation", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

// Enable toggles a rule's active flag on.
func (s *Service) Enable(ctx context.Context, ruleID string) error {
	return s.setActive(ctx, ruleID, true)
}

// Disable toggles a rule's active flag off. Rules are never deleted.
func (s *Service) Disable(ctx context.Context, ruleID string) error {
	return s.setActive(ctx, ruleID, false)
}

func (s *Service) setActive(ctx context.Context, ruleID string, active bool) error {
	err := s.repo.SetActive(ctx, ruleID, active)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("rule not found")
	}
	if err != nil {
		s.logger.Error("failed to toggle rule", zap.String("rule_id", ruleID), zap.Error(err))
		return errutil.Internal("failed to toggle rule")
	}
	return nil
}

// Statistics aggregates the catalog: totals, active reward sum, the most
// activated rule, and per-category counts.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	rules, err := s.repo.List(ctx, ListParams{})
	if err != nil {
		s.logger.Error("failed to load rules for statistics", zap.Error(err))
		return nil, errutil.Internal("failed to compute statistics")
	}

	stats := &Statistics{ByCategory: make(map[string]int64)}
	for _, rule := range rules {
		stats.TotalRules++
		stats.ByCategory[rule.Category]++
		if rule.IsActive {
			stats.ActiveRules++
			stats.ActiveRewardSum += rule.RewardAmount
		}
		if rule.ActivationCount > stats.TopActivationCount ||
			(rule.ActivationCount == stats.TopActivationCount && stats.TopRuleID == "") {
			stats.TopActivationCount = rule.ActivationCount
			stats.TopRuleID = rule.RuleID
		}
	}

	return stats, nil
}

func sortByTier(rules []TriggerRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		ti, tj := TierIndex(rules[i].MinTier), TierIndex(rules[j].MinTier)
		if ti != tj {
			return ti < tj
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}
