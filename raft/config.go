package raft

import "time"

// Config holds the tunables listed in §6.
type Config struct {
	HeartbeatInterval   time.Duration
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	MaxPayloadEntries   int
	SnapshotPolicy      SnapshotPolicy
	AllowLogReversion   bool
}

// SnapshotPolicy decides when the engine should compact the log into a new
// snapshot. LogsSinceLast is the number of newly-applied entries since the
// last snapshot that triggers a rebuild.
type SnapshotPolicy struct {
	LogsSinceLast uint64
}

// DefaultConfig returns the recommended timings from §4.E: heartbeat_interval
// = 250ms, election_timeout_min = 299ms (chosen to exceed a full RTT plus the
// heartbeat interval and avoid election livelock), with the max timeout at
// twice the min per the randomized-interval requirement.
func DefaultConfig() Config {
	min := 299 * time.Millisecond
	return Config{
		HeartbeatInterval:  250 * time.Millisecond,
		ElectionTimeoutMin: min,
		ElectionTimeoutMax: 2 * min,
		MaxPayloadEntries:  64,
		SnapshotPolicy:     SnapshotPolicy{LogsSinceLast: 10000},
		AllowLogReversion:  false,
	}
}
