package disbursement

import (
	"time"
)

const (
	successWeight = 0.5
	latencyWeight = 0.3
	recencyWeight = 0.2
)

// nodeScore weighs a node's historical success, latency and recent activity.
// Recency decays linearly to zero over the window since last activity.
func nodeScore(node *SettlementNode, now time.Time, recencyWindow time.Duration) float64 {
	recency := 0.0
	if recencyWindow > 0 && !node.LastActiveAt.IsZero() {
		elapsed := now.Sub(node.LastActiveAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < recencyWindow {
			recency = 1 - float64(elapsed)/float64(recencyWindow)
		}
	}

	return successWeight*node.SuccessRate +
		latencyWeight*(1/(node.AvgLatency+1)) +
		recencyWeight*recency
}

// selectNode picks the highest-scoring active node. Candidates must be in
// first-seen order; ties keep the earlier node.
func selectNode(candidates []SettlementNode, now time.Time, recencyWindow time.Duration) *SettlementNode {
	var (
		best      *SettlementNode
		bestScore float64
	)
	for i := range candidates {
		node := &candidates[i]
		if node.Status != NodeStatusActive {
			continue
		}

		score := nodeScore(node, now, recencyWindow)
		if best == nil || score > bestScore {
			best = node
			bestScore = score
		}
	}
	return best
}
