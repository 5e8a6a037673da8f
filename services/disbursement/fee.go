package disbursement

import (
	"math"
	"time"
)

const (
	feeBaseRate        = 0.001
	largeThreshold     = 100_000
	veryLargeThreshold = 500_000

	largeDiscount     = 0.8
	veryLargeDiscount = 0.6
)

// computeFee prices a transfer at 0.1% of the amount with multiplicative
// volume discounts above the large and very large thresholds. Fees round
// down and never drop below 1 unit.
func computeFee(amount int64) int64 {
	fee := float64(amount) * feeBaseRate
	if amount > largeThreshold {
		fee *= largeDiscount
	}
	if amount > veryLargeThreshold {
		fee *= veryLargeDiscount
	}

	floored := int64(math.Floor(fee))
	if floored < 1 {
		return 1
	}
	return floored
}

// complexityFactor scales the delivery estimate for large transfers.
func complexityFactor(amount int64) float64 {
	if amount > largeThreshold {
		return 1.5
	}
	return 1.0
}

// estimateDelivery projects completion from the node's average latency in
// minutes, scaled by transfer complexity.
func estimateDelivery(now time.Time, avgLatencyMinutes float64, amount int64) time.Time {
	minutes := avgLatencyMinutes * complexityFactor(amount)
	return now.Add(time.Duration(minutes * float64(time.Minute)))
}
