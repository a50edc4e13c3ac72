package raft

// Wire RPC shapes per §6. These are transport-agnostic; the transport
// package's contract (and its grpcapi realization) carry these verbatim.

// AppendEntriesRequest is sent leader -> peer to replicate log entries or,
// with an empty Entries slice, as a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogID    *LogId
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the response to AppendEntriesRequest. Conflict, when
// set, is the first non-matching index the follower found, used to narrow
// the leader's ProgressEntry.SearchingEnd.
type AppendEntriesReply struct {
	NodeID    NodeID
	Term      uint64
	Success   bool
	Conflict  *uint64
	LastMatch *LogId
}

// RequestVoteRequest is sent candidate -> peer during an election.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  NodeID
	LastLogID    *LogId
}

// RequestVoteReply is the response to RequestVoteRequest.
type RequestVoteReply struct {
	NodeID      NodeID
	Term        uint64
	VotedTerm   uint64
	VoteGranted bool
}

// InstallSnapshotRequest transfers a (chunk of a) snapshot leader -> peer.
type InstallSnapshotRequest struct {
	Term     uint64
	LeaderID NodeID
	Meta     SnapshotMeta
	Offset   int64
	Data     []byte
	Done     bool
}

// InstallSnapshotReply acknowledges an InstallSnapshotRequest chunk.
type InstallSnapshotReply struct {
	Term uint64
}
