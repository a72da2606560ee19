package raft

import "time"

// Config collects the replica's tunables, so tests can override them via
// constructor injection instead of reassigning mutable package-level vars
// — a global any concurrent test would race on.
type Config struct {
	// ClusterSize is the number of voting replicas in the cluster
	// (excluding the reserved id 0). Quorum is computed from this value
	// rather than from the registry's live id count, resolving the
	// ambiguity in a peer-count-derived majority (which fluctuates as
	// replicas are lazily constructed): an explicit configured cluster size.
	ClusterSize int

	// TickInterval is the cadence of the periodic Update; 300ms by default.
	TickInterval time.Duration

	// HeartbeatTimeoutTicks is the number of follower ticks without a
	// valid append-entries before a campaign starts; default 6 (~1.8s
	// at the default TickInterval).
	HeartbeatTimeoutTicks int

	// ElectionTimeoutMin/Max bound the randomized per-round campaign
	// delay; default [100ms, 300ms].
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
}

// DefaultConfig returns reasonable defaults for a cluster of the given
// voting size.
func DefaultConfig(clusterSize int) Config {
	return Config{
		ClusterSize:           clusterSize,
		TickInterval:          300 * time.Millisecond,
		HeartbeatTimeoutTicks: 6,
		ElectionTimeoutMin:    100 * time.Millisecond,
		ElectionTimeoutMax:    300 * time.Millisecond,
	}
}

// quorum is the number of votes required to win an election: strictly
// more than half of ClusterSize.
func (c Config) quorum() int {
	return c.ClusterSize/2 + 1
}
