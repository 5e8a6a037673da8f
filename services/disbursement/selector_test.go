package disbursement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNodeScore_IncreasesWithSuccessRate(t *testing.T) {
	now := time.Now().UTC()

	low := &SettlementNode{SuccessRate: 0.80, AvgLatency: 2.0, LastActiveAt: now}
	high := &SettlementNode{SuccessRate: 0.95, AvgLatency: 2.0, LastActiveAt: now}

	require.Greater(t, nodeScore(high, now, time.Hour), nodeScore(low, now, time.Hour))
}

func TestNodeScore_IncreasesAsLatencyDecreases(t *testing.T) {
	now := time.Now().UTC()

	slow := &SettlementNode{SuccessRate: 0.90, AvgLatency: 5.0, LastActiveAt: now}
	fast := &SettlementNode{SuccessRate: 0.90, AvgLatency: 1.0, LastActiveAt: now}

	require.Greater(t, nodeScore(fast, now, time.Hour), nodeScore(slow, now, time.Hour))
}

func TestNodeScore_RecencyDecay(t *testing.T) {
	now := time.Now().UTC()
	window := time.Hour

	fresh := &SettlementNode{SuccessRate: 0.90, AvgLatency: 2.0, LastActiveAt: now}
	halfway := &SettlementNode{SuccessRate: 0.90, AvgLatency: 2.0, LastActiveAt: now.Add(-30 * time.Minute)}
	stale := &SettlementNode{SuccessRate: 0.90, AvgLatency: 2.0, LastActiveAt: now.Add(-2 * time.Hour)}

	freshScore := nodeScore(fresh, now, window)
	halfScore := nodeScore(halfway, now, window)
	staleScore := nodeScore(stale, now, window)

	require.Greater(t, freshScore, halfScore)
	require.Greater(t, halfScore, staleScore)

	// Fully decayed recency contributes nothing.
	neverSeen := &SettlementNode{SuccessRate: 0.90, AvgLatency: 2.0}
	require.Equal(t, nodeScore(neverSeen, now, window), staleScore)
}

func TestSelectNode_SkipsInactive(t *testing.T) {
	now := time.Now().UTC()

	nodes := []SettlementNode{
		{NodeID: "offline", Status: NodeStatusOffline, SuccessRate: 1.0, AvgLatency: 0.1, LastActiveAt: now},
		{NodeID: "maintenance", Status: NodeStatusMaintenance, SuccessRate: 1.0, AvgLatency: 0.1, LastActiveAt: now},
		{NodeID: "active", Status: NodeStatusActive, SuccessRate: 0.5, AvgLatency: 9.0},
	}

	selected := selectNode(nodes, now, time.Hour)
	require.NotNil(t, selected)
	require.Equal(t, "active", selected.NodeID)
}

func TestSelectNode_NoActiveNodes(t *testing.T) {
	now := time.Now().UTC()

	nodes := []SettlementNode{
		{NodeID: "a", Status: NodeStatusOffline},
		{NodeID: "b", Status: NodeStatusMaintenance},
	}
	require.Nil(t, selectNode(nodes, now, time.Hour))
	require.Nil(t, selectNode(nil, now, time.Hour))
}

func TestSelectNode_TieBreaksOnFirstSeen(t *testing.T) {
	now := time.Now().UTC()

	// Identical metrics; the earlier candidate wins.
	nodes := []SettlementNode{
		{NodeID: "first", Status: NodeStatusActive, SuccessRate: 0.9, AvgLatency: 2.0, LastActiveAt: now},
		{NodeID: "second", Status: NodeStatusActive, SuccessRate: 0.9, AvgLatency: 2.0, LastActiveAt: now},
	}

	selected := selectNode(nodes, now, time.Hour)
	require.NotNil(t, selected)
	require.Equal(t, "first", selected.NodeID)
}

func TestSelectNode_PicksHighestScore(t *testing.T) {
	now := time.Now().UTC()

	nodes := []SettlementNode{
		{NodeID: "good", Status: NodeStatusActive, SuccessRate: 0.90, AvgLatency: 3.0, LastActiveAt: now},
		{NodeID: "best", Status: NodeStatusActive, SuccessRate: 0.99, AvgLatency: 0.5, LastActiveAt: now},
		{NodeID: "slow", Status: NodeStatusActive, SuccessRate: 0.85, AvgLatency: 8.0, LastActiveAt: now},
	}

	selected := selectNode(nodes, now, time.Hour)
	require.NotNil(t, selected)
	require.Equal(t, "best", selected.NodeID)
}
