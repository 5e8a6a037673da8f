package trigger

import (
	"context"
	"errors"
	"testing"

	"civicledger/pkg/errutil"
	"civicledger/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &TriggerRule{})
	return NewService(ServiceParams{
		Repository: NewRepository(db),
		Evaluator:  NewEvaluator(),
		Logger:     zap.NewNop(),
	})
}

func mustRegister(t *testing.T, svc *Service, rule *TriggerRule) {
	t.Helper()
	require.NoError(t, svc.Register(context.Background(), rule))
}

func TestRegister_DuplicateID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", Category: "participation", RewardAmount: 50, IsActive: true})

	err := svc.Register(ctx, &TriggerRule{RuleID: "VOTE", Category: "participation", RewardAmount: 99, IsActive: true})
	require.Error(t, err)

	var baseErr errutil.BaseError
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusConflict, baseErr.Code)
}

func TestRegister_UnknownTier(t *testing.T) {
	svc := newTestService(t)

	err := svc.Register(context.Background(), &TriggerRule{RuleID: "X", RewardAmount: 10, MinTier: "Overlord"})
	require.Error(t, err)
}

func TestValidate_UnknownRule(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.Validate(context.Background(), "NOPE", ValidationContext{Tier: "Citizen"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Equal(t, "not found", result.Reason)
}

func TestValidate_CheckOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{
		RuleID:              "STRICT",
		Category:            "governance",
		RewardAmount:        100,
		MinTier:             "Moderator",
		RequireIdentityRef:  true,
		RequireVerification: true,
		IsActive:            true,
	})

	// No identity ref and no token: identity check fires first.
	result, err := svc.Validate(ctx, "STRICT", ValidationContext{Tier: "Citizen"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Equal(t, "identity reference required", result.Reason)

	// Identity present, token missing.
	result, err = svc.Validate(ctx, "STRICT", ValidationContext{Tier: "Citizen", IdentityRef: "did:civic:1"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Equal(t, "verification token required", result.Reason)

	// Identity and token present, tier too low.
	result, err = svc.Validate(ctx, "STRICT", ValidationContext{
		Tier: "Citizen", IdentityRef: "did:civic:1", VerificationToken: "tok",
	})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Contains(t, result.Reason, "tier Citizen below required Moderator")

	// Everything satisfied.
	result, err = svc.Validate(ctx, "STRICT", ValidationContext{
		Tier: "Governor", IdentityRef: "did:civic:1", VerificationToken: "tok",
	})
	require.NoError(t, err)
	require.True(t, result.Eligible)
}

func TestValidate_InactiveRule(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "OFF", RewardAmount: 10, IsActive: false})

	result, err := svc.Validate(ctx, "OFF", ValidationContext{Tier: "Commander"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Equal(t, "rule is inactive", result.Reason)
}

func TestValidate_UnknownSubjectTier(t *testing.T) {
	svc := newTestService(t)

	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", RewardAmount: 50, IsActive: true})

	result, err := svc.Validate(context.Background(), "VOTE", ValidationContext{Tier: "Peasant"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Contains(t, result.Reason, "unknown tier")
}

func TestValidate_FeedbackIdentityVariants(t *testing.T) {
	ctx := context.Background()

	// Variant one: the rule requires an identity reference. A Citizen
	// reporting without one is rejected with the unmet condition named.
	withIdentity := newTestService(t)
	mustRegister(t, withIdentity, &TriggerRule{
		RuleID:             "FEEDBACK",
		Category:           "participation",
		RewardAmount:       75,
		MinTier:            "Citizen",
		RequireIdentityRef: true,
		IsActive:           true,
	})

	result, err := withIdentity.Validate(ctx, "FEEDBACK", ValidationContext{Tier: "Citizen"})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Equal(t, "identity reference required", result.Reason)

	// Variant two: no identity requirement, same report is eligible.
	withoutIdentity := newTestService(t)
	mustRegister(t, withoutIdentity, &TriggerRule{
		RuleID:       "FEEDBACK",
		Category:     "participation",
		RewardAmount: 75,
		MinTier:      "Citizen",
		IsActive:     true,
	})

	result, err = withoutIdentity.Validate(ctx, "FEEDBACK", ValidationContext{Tier: "Citizen"})
	require.NoError(t, err)
	require.True(t, result.Eligible)
}

func TestEligibility_PureFunctionOfSnapshot(t *testing.T) {
	svc := newTestService(t)

	rule := &TriggerRule{RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true}
	vctx := ValidationContext{Tier: "Contributor"}

	first := svc.Eligibility(rule, vctx)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, svc.Eligibility(rule, vctx))
	}
}

func TestEligibility_CriteriaExpression(t *testing.T) {
	svc := newTestService(t)

	rule := &TriggerRule{
		RuleID:       "BIG_PROPOSAL",
		RewardAmount: 200,
		MinTier:      "Citizen",
		Criteria:     `word_count >= 100`,
		IsActive:     true,
	}

	result := svc.Eligibility(rule, ValidationContext{
		Tier:       "Citizen",
		Attributes: map[string]any{"word_count": int64(250)},
	})
	require.True(t, result.Eligible)

	result = svc.Eligibility(rule, ValidationContext{
		Tier:       "Citizen",
		Attributes: map[string]any{"word_count": int64(12)},
	})
	require.False(t, result.Eligible)
	require.Equal(t, "criteria not met", result.Reason)
}

func TestListEligible_TierOrderingAndFloor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "GOVERN", RewardAmount: 500, MinTier: "Governor", IsActive: true})
	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", RewardAmount: 50, MinTier: "Citizen", IsActive: true})
	mustRegister(t, svc, &TriggerRule{RuleID: "MODERATE", RewardAmount: 150, MinTier: "Moderator", IsActive: true})
	mustRegister(t, svc, &TriggerRule{RuleID: "HIDDEN", RewardAmount: 10, MinTier: "Citizen", IsActive: false})

	rules, err := svc.ListEligible(ctx, "Moderator")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "VOTE", rules[0].RuleID)
	require.Equal(t, "MODERATE", rules[1].RuleID)

	rules, err = svc.ListEligible(ctx, "Commander")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, "GOVERN", rules[2].RuleID)
}

func TestRecordActivation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", RewardAmount: 50, IsActive: true})

	svc.RecordActivation(ctx, "VOTE")
	svc.RecordActivation(ctx, "VOTE")
	svc.RecordActivation(ctx, "MISSING") // no-op

	rule, err := svc.Get(ctx, "VOTE")
	require.NoError(t, err)
	require.EqualValues(t, 2, rule.ActivationCount)
	require.NotNil(t, rule.LastActivatedAt)
}

func TestEnableDisable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", RewardAmount: 50, IsActive: true})

	require.NoError(t, svc.Disable(ctx, "VOTE"))
	rule, err := svc.Get(ctx, "VOTE")
	require.NoError(t, err)
	require.False(t, rule.IsActive)

	require.NoError(t, svc.Enable(ctx, "VOTE"))
	rule, err = svc.Get(ctx, "VOTE")
	require.NoError(t, err)
	require.True(t, rule.IsActive)

	err = svc.Disable(ctx, "MISSING")
	var baseErr errutil.BaseError
	require.True(t, errors.As(err, &baseErr))
	require.Equal(t, errutil.StatusNotFound, baseErr.Code)
}

func TestStatistics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, &TriggerRule{RuleID: "VOTE", Category: "participation", RewardAmount: 50, IsActive: true})
	mustRegister(t, svc, &TriggerRule{RuleID: "FEEDBACK", Category: "participation", RewardAmount: 75, IsActive: true})
	mustRegister(t, svc, &TriggerRule{RuleID: "GOVERN", Category: "governance", RewardAmount: 500, IsActive: false})

	svc.RecordActivation(ctx, "FEEDBACK")
	svc.RecordActivation(ctx, "FEEDBACK")
	svc.RecordActivation(ctx, "VOTE")

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalRules)
	require.EqualValues(t, 2, stats.ActiveRules)
	require.EqualValues(t, 125, stats.ActiveRewardSum)
	require.Equal(t, "FEEDBACK", stats.TopRuleID)
	require.EqualValues(t, 2, stats.TopActivationCount)
	require.EqualValues(t, 2, stats.ByCategory["participation"])
	require.EqualValues(t, 1, stats.ByCategory["governance"])
}
