package raft

import (
	"context"

	"github.com/sidecus/raftkv/util"
)

// enterFollowerState steps down to Follower under a newer term and follows
// source as the (potential) new leader, generalizing the teacher's
// enterFollowerState. Caller must hold n.mu.
func (n *Node) enterFollowerState(source *NodeID, newTerm uint64) {
	oldLeader := n.currentLeader
	n.nodeState = NodeStateFollower
	n.currentLeader = source
	n.setTerm(newTerm)

	if source != nil && (oldLeader == nil || *oldLeader != *source) {
		n.log.Infow("follows new leader", "term", n.currentTerm, "leader_id", *source, "node_id", n.id)
	}
}

// enterCandidateState advances the term, votes for self, and resets the
// per-term vote tally. Caller must hold n.mu.
func (n *Node) enterCandidateState() {
	n.nodeState = NodeStateCandidate
	n.currentLeader = nil
	n.setTerm(n.currentTerm + 1)

	self := n.id
	n.votedFor = &self
	if err := n.metaStore.SaveHardState(HardState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
		n.log.Fatalw("failed to persist vote for self", "error", err, "node_id", n.id)
	}

	n.votes = make(map[NodeID]bool, len(n.peers)+1)
	n.votes[n.id] = true
	n.electionCount++

	n.log.Infow("starts election", "term", n.currentTerm, "node_id", n.id)
}

// startElection enters candidate state and broadcasts RequestVote to every
// peer on its own goroutine, generalizing the teacher's startElection.
// Caller must hold n.mu.
func (n *Node) startElection() {
	n.enterCandidateState()

	if n.wonElection() {
		// A single-node cluster (no peers to ask) already has a majority from
		// its own self-vote; there is nobody left to wait on a reply from.
		n.enterLeaderState()
		n.sendHeartbeat()
		return
	}

	req := &RequestVoteRequest{
		Term:        n.currentTerm,
		CandidateID: n.id,
		LastLogID:   n.lastLogID,
	}

	for _, p := range n.peers {
		go func(p *Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			reply, err := p.transport.RequestVote(ctx, req)
			if err != nil {
				n.log.Warnw("request vote rpc failed", "error", err, "peer_id", p.id)
				return
			}
			n.postCommand(command{kind: cmdVoteReply, rvRep: reply})
		}(p)
	}
}

// handleRequestVoteReply counts a granted vote and transitions to Leader
// once a majority (including self) has been reached. Runs inside the
// command loop (caller holds n.mu).
func (n *Node) handleRequestVoteReply(reply *RequestVoteReply) {
	if reply == nil {
		return
	}
	if n.tryFollowNewTerm(reply.NodeID, reply.Term) {
		return
	}
	if n.nodeState != NodeStateCandidate || reply.VotedTerm != n.currentTerm || !reply.VoteGranted {
		return
	}

	n.votes[reply.NodeID] = true
	if n.wonElection() {
		n.enterLeaderState()
		n.sendHeartbeat()
	}
}

// wonElection reports whether the recorded votes form a strict majority of
// the cluster (peers plus self). Caller must hold n.mu.
func (n *Node) wonElection() bool {
	total := 0
	for _, v := range n.votes {
		if v {
			total++
		}
	}
	return total*2 > len(n.peers)+1
}

// handleRequestVote decides whether to grant a vote per the Raft election
// safety rule: the requester's log must be at least as up to date as ours,
// and we must not have already voted for someone else this term.
func (n *Node) handleRequestVote(req *RequestVoteRequest) *RequestVoteReply {
	if req.Term < n.currentTerm {
		return &RequestVoteReply{NodeID: n.id, Term: n.currentTerm, VotedTerm: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.enterFollowerState(nil, req.Term)
	}

	grant := (n.votedFor == nil || *n.votedFor == req.CandidateID) &&
		CompareOptLogId(n.lastLogID, req.LastLogID) <= 0

	if grant {
		n.votedFor = &req.CandidateID
		if err := n.metaStore.SaveHardState(HardState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
			n.log.Fatalw("failed to persist vote grant", "error", err, "node_id", n.id)
		}
		n.log.Infow("grants vote", "term", n.currentTerm, "candidate_id", req.CandidateID, "node_id", n.id)
	}

	return &RequestVoteReply{NodeID: n.id, Term: n.currentTerm, VotedTerm: n.currentTerm, VoteGranted: grant}
}

// handleAppendEntries implements the follower side of log replication: term
// check, previous-entry consistency check, conflicting-suffix truncation,
// append, and commit-index advancement. Caller holds n.mu.
func (n *Node) handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesReply {
	if req.Term < n.currentTerm {
		return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: false}
	}

	n.tryFollowNewTerm(req.LeaderID, req.Term)
	if n.nodeState != NodeStateFollower || n.currentLeader == nil || *n.currentLeader != req.LeaderID {
		n.nodeState = NodeStateFollower
		n.currentLeader = &req.LeaderID
	}

	if req.PrevLogID != nil {
		existing, err := n.logStore.TryGet(req.PrevLogID.Index, req.PrevLogID.Index+1)
		if err != nil {
			n.log.Errorw("failed to read log during append entries", "error", err, "node_id", n.id)
			return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: false}
		}
		if len(existing) != 1 || existing[0].LogID.Term != req.PrevLogID.Term {
			conflict := req.PrevLogID.Index
			return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: false, Conflict: &conflict}
		}
	}

	if len(req.Entries) > 0 {
		first := req.Entries[0]
		existing, err := n.logStore.TryGet(first.LogID.Index, first.LogID.Index+1)
		if err != nil {
			n.log.Errorw("failed to read log during append entries", "error", err, "node_id", n.id)
			return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: false}
		}
		if len(existing) == 1 && existing[0].LogID.Term != first.LogID.Term {
			if err := n.logStore.DeleteConflictLogsSince(first.LogID); err != nil {
				n.log.Fatalw("failed to truncate conflicting suffix", "error", err, "node_id", n.id)
			}
		}
		if len(existing) == 0 || existing[0].LogID.Term != first.LogID.Term {
			if err := n.logStore.Append(req.Entries); err != nil {
				n.log.Errorw("failed to append entries", "error", err, "node_id", n.id)
				return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: false}
			}
			last := req.Entries[len(req.Entries)-1].LogID
			n.lastLogID = &last
		}
	}

	if req.LeaderCommit > n.commitIndex {
		n.commitIndex = util.MinU64(req.LeaderCommit, n.lastIndexLocked())
		n.applyCommitted()
	}

	var lastMatch *LogId
	if len(req.Entries) > 0 {
		last := req.Entries[len(req.Entries)-1].LogID
		lastMatch = &last
	} else {
		lastMatch = req.PrevLogID
	}

	return &AppendEntriesReply{NodeID: n.id, Term: n.currentTerm, Success: true, LastMatch: lastMatch}
}

// handleInstallSnapshot replaces the local state machine contents with a
// leader-provided snapshot and fast-forwards the log/commit position past
// it. Caller holds n.mu.
func (n *Node) handleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotReply {
	if req.Term < n.currentTerm {
		return &InstallSnapshotReply{Term: n.currentTerm}
	}
	n.tryFollowNewTerm(req.LeaderID, req.Term)

	if err := n.smStore.InstallSnapshot(req.Meta, req.Data); err != nil {
		n.log.Errorw("failed to install snapshot", "error", err, "node_id", n.id)
		return &InstallSnapshotReply{Term: n.currentTerm}
	}

	if req.Meta.LastLogID != nil {
		if err := n.logStore.PurgeLogsUpto(*req.Meta.LastLogID); err != nil {
			n.log.Errorw("failed to purge logs after snapshot install", "error", err, "node_id", n.id)
		}
		if CompareOptLogId(n.lastLogID, req.Meta.LastLogID) < 0 {
			n.lastLogID = req.Meta.LastLogID
		}
		if req.Meta.LastLogID.Index > n.commitIndex {
			n.commitIndex = req.Meta.LastLogID.Index
		}
		if req.Meta.LastLogID.Index > n.lastApplied {
			n.lastApplied = req.Meta.LastLogID.Index
		}
		if req.Meta.LastLogID.Index > n.lastSnapshotIndex {
			n.lastSnapshotIndex = req.Meta.LastLogID.Index
		}
	}

	return &InstallSnapshotReply{Term: n.currentTerm}
}
