package raft

import (
	"github.com/google/uuid"
)

// InflightKind discriminates the outstanding-RPC-window variant tracked per
// follower. Each new window gets a fresh RequestID, but replies do not carry
// a request id, so responses are not matched against it: a reply is applied
// to whatever window is open when it arrives.
type InflightKind int

const (
	InflightNone InflightKind = iota
	InflightProbe
	InflightLogs
	InflightSnapshot
)

// Inflight is the currently outstanding AppendEntries/InstallSnapshot window
// for one follower. It bounds pipeline depth per follower to exactly one
// outstanding request, which is all the engine's probe/replicate loop needs.
type Inflight struct {
	Kind      InflightKind
	RequestID uuid.UUID

	// Probe: the single index being probed.
	ProbeIndex uint64

	// Logs: the window of entries sent, (prevLogID, lastIndex].
	PrevLogID *LogId
	LastIndex uint64

	// Snapshot: the snapshot id and log position being transferred.
	SnapshotID        string
	SnapshotLastLogID *LogId
}

// IsNone reports whether there is no outstanding window.
func (in Inflight) IsNone() bool {
	return in.Kind == InflightNone
}

// newProbe opens a probe window for a single index.
func newProbe(index uint64) Inflight {
	return Inflight{Kind: InflightProbe, RequestID: uuid.New(), ProbeIndex: index}
}

// newLogs opens a replication window covering (prevLogID, lastIndex].
func newLogs(prevLogID *LogId, lastIndex uint64) Inflight {
	return Inflight{Kind: InflightLogs, RequestID: uuid.New(), PrevLogID: prevLogID, LastIndex: lastIndex}
}

// newSnapshot opens a snapshot-transfer window. lastLogID is the boundary
// the transferred snapshot covers, nil if not yet known (the placeholder
// window opened before the snapshot itself has been read/built).
func newSnapshot(id string, lastLogID *LogId) Inflight {
	return Inflight{Kind: InflightSnapshot, RequestID: uuid.New(), SnapshotID: id, SnapshotLastLogID: lastLogID}
}

// ack clears the inflight window on an acknowledgement of `matching`. A Logs
// window is only cleared once matching reaches its LastIndex (a lower ack is
// ignored); a Probe or Snapshot window is cleared by any ack.
func (in *Inflight) ack(matching *LogId) {
	switch in.Kind {
	case InflightLogs:
		if matching != nil && matching.Index >= in.LastIndex {
			*in = Inflight{}
		}
	case InflightProbe:
		*in = Inflight{}
	case InflightSnapshot:
		*in = Inflight{}
	}
}

// conflict clears the inflight window on a conflicting response. Only
// payload-carrying requests (Probe/Logs) open a window that needs clearing;
// a heartbeat-driven conflict never touched inflight in the first place, so
// callers must gate this on has_payload themselves (see update_conflicting).
func (in *Inflight) conflict(_ uint64) {
	*in = Inflight{}
}

// ProgressEntry is the leader-side per-follower replication state described
// in §3/§4.D.
type ProgressEntry struct {
	// Matching is the highest known-replicated log id, or nil if none is known.
	Matching *LogId
	// SearchingEnd is the exclusive upper bound of the binary-search window
	// used to probe for the follower's divergence point. Invariant:
	// SearchingEnd >= NextIndex(Matching) at all times.
	SearchingEnd uint64
	// Inflight is the single outstanding AppendEntries/InstallSnapshot window.
	Inflight Inflight
	// AllowLogReversion is a per-entry one-shot flag permitting a single
	// regression of Matching back to nil.
	AllowLogReversion bool
}

// NewProgressEntry constructs progress state for a follower as a leader
// enters its term: SearchingEnd is initialized to the leader's last log
// index + 1, by construction satisfying SearchingEnd > Matching.Index.
func NewProgressEntry(leaderLastIndex uint64, allowLogReversion bool) *ProgressEntry {
	return &ProgressEntry{
		Matching:          nil,
		SearchingEnd:      leaderLastIndex + 1,
		AllowLogReversion: allowLogReversion,
	}
}

// NextSendIndex returns the next log index the leader should probe or
// replicate to this follower: the midpoint of the still-unknown window
// [NextIndex(Matching), SearchingEnd), matching the binary-search narrowing
// described in §8 scenario 3.
func (p *ProgressEntry) NextSendIndex() uint64 {
	lo := NextIndex(p.Matching)
	if lo == 0 {
		// Index 0 is reserved and never holds an entry (see LogId), so a
		// brand new leader whose log is still empty has nothing before
		// index 1 left to search -- treat 1 as the true lower bound rather
		// than looping forever on a midpoint of 0.
		lo = 1
	}
	if lo >= p.SearchingEnd {
		return lo
	}
	return lo + (p.SearchingEnd-lo)/2
}

// progressUpdater applies the two transitions defined in §4.D against one
// ProgressEntry. It is a thin wrapper (ported from openraft's
// progress/entry/update.rs) so the two operations stay colocated with the
// engine-wide allow_log_reversion fallback they both consult.
type progressUpdater struct {
	engineAllowLogReversion bool
	entry                   *ProgressEntry
}

func newProgressUpdater(engineAllowLogReversion bool, entry *ProgressEntry) *progressUpdater {
	return &progressUpdater{engineAllowLogReversion: engineAllowLogReversion, entry: entry}
}

// updateMatching implements §4.D update_matching. Precondition: matching is
// monotonically non-decreasing relative to the entry's current Matching;
// violating this is a programming error in the caller (the RPC reply
// handler), not a follower-supplied value, so it panics rather than
// returning a recoverable error.
func (u *progressUpdater) updateMatching(matching *LogId) {
	if CompareOptLogId(matching, u.entry.Matching) < 0 {
		panic("updateMatching: matching must be monotonically non-decreasing")
	}

	u.entry.Inflight.ack(matching)
	u.entry.Matching = matching
	u.entry.SearchingEnd = maxU64(u.entry.SearchingEnd, NextIndex(matching))
}

// updateConflicting implements §4.D update_conflicting. Returns a
// LogicalSafety error when the follower reports a reversion of a previously
// acknowledged entry and reversion is disallowed both per-entry and
// engine-wide; the caller (the engine) must halt on that error rather than
// continue advancing commit index.
func (u *progressUpdater) updateConflicting(conflictIndex uint64, hasPayload bool) error {
	if hasPayload {
		u.entry.Inflight.conflict(conflictIndex)
	}

	if conflictIndex >= u.entry.SearchingEnd {
		// Stale information; the window has already narrowed past this point.
		return nil
	}

	u.entry.SearchingEnd = conflictIndex

	if conflictIndex < NextIndex(u.entry.Matching) {
		allowReset := u.entry.AllowLogReversion || u.engineAllowLogReversion
		if !allowReset {
			return NewLogicalSafetyError("follower log reversion without allow_log_reversion")
		}
		u.entry.Matching = nil
		u.entry.AllowLogReversion = false
	}

	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
