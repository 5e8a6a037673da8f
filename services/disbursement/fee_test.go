package disbursement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeFee(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		want   int64
	}{
		{"tiny amounts hit the floor", 10, 1},
		{"below large threshold", 50_000, 50},
		{"at large threshold, no discount", 100_000, 100},
		{"above large threshold", 200_000, 160},
		{"at very large threshold, single discount", 500_000, 400},
		{"above very large threshold, both discounts", 600_000, 288},
		{"fee rounds down", 1_234, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, computeFee(tc.amount))
		})
	}
}

func TestComputeFee_FloorIsOne(t *testing.T) {
	for _, amount := range []int64{1, 2, 100, 999} {
		require.GreaterOrEqual(t, computeFee(amount), int64(1))
	}
}

func TestComputeFee_RateNonIncreasingAcrossThresholds(t *testing.T) {
	// The effective rate (fee/amount) never grows as amounts cross the
	// discount boundaries.
	amounts := []int64{99_999, 100_001, 499_999, 500_001, 2_000_000}
	prevRate := 1.0
	for _, amount := range amounts {
		rate := float64(computeFee(amount)) / float64(amount)
		require.LessOrEqual(t, rate, prevRate, "amount %d", amount)
		prevRate = rate
	}
}

func TestComplexityFactor(t *testing.T) {
	require.Equal(t, 1.0, complexityFactor(100_000))
	require.Equal(t, 1.5, complexityFactor(100_001))
}

func TestEstimateDelivery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Latency 2.0 minutes with a large amount stretches to 3.0 minutes.
	got := estimateDelivery(now, 2.0, 600_000)
	require.Equal(t, now.Add(3*time.Minute), got)

	got = estimateDelivery(now, 2.0, 50_000)
	require.Equal(t, now.Add(2*time.Minute), got)
}
