package raft

import (
	"context"
	"time"
)

const rpcTimeout = 200 * time.Millisecond
const snapshotRPCTimeout = 3 * rpcTimeout

// enterLeaderState transitions to Leader and resets every peer's progress
// against our own last log index -- generalizing the teacher's
// enterLeaderState. It sends nothing itself; callers follow it with
// sendHeartbeat. Caller must hold n.mu.
func (n *Node) enterLeaderState() {
	n.nodeState = NodeStateLeader
	n.currentLeader = &n.id

	last := n.lastIndexLocked()
	n.progress = make(map[NodeID]*ProgressEntry, len(n.peers))
	for id := range n.peers {
		n.progress[id] = NewProgressEntry(last, n.config.AllowLogReversion)
	}

	n.log.Infow("won election", "term", n.currentTerm, "node_id", n.id)
}

// lastIndexLocked returns the index of the last log entry, or 0 if the log
// is empty. Caller must hold n.mu.
func (n *Node) lastIndexLocked() uint64 {
	if n.lastLogID == nil {
		return 0
	}
	return n.lastLogID.Index
}

// sendHeartbeat triggers a replication round against every peer. Unlike the
// teacher, this never builds the AppendEntries request itself -- each
// peer's replication goroutine asks the engine (via replicateToPeer) for a
// fresh request reflecting that peer's own progress at send time.
// Caller must hold n.mu.
func (n *Node) sendHeartbeat() {
	for _, p := range n.peers {
		p.trigger()
	}
}

// replicateToPeer prepares and sends exactly one replication unit (probe,
// log batch, or snapshot chunk) to p, bounding each peer to one outstanding
// RPC at a time via ProgressEntry.Inflight. Runs on the peer's own
// goroutine; only the brief preparation step takes n.mu.
func (n *Node) replicateToPeer(p *Peer) {
	n.mu.Lock()
	if n.nodeState != NodeStateLeader {
		n.mu.Unlock()
		return
	}
	progress, ok := n.progress[p.id]
	if !ok || !progress.Inflight.IsNone() {
		n.mu.Unlock()
		return
	}

	term := n.currentTerm
	leaderCommit := n.commitIndex
	logState, err := n.logStore.GetLogState()
	if err != nil {
		n.mu.Unlock()
		n.log.Errorw("failed to read log state while preparing replication", "error", err, "peer_id", p.id)
		return
	}

	sendIndex := progress.NextSendIndex()
	if logState.LastPurgedLogID != nil && sendIndex <= logState.LastPurgedLogID.Index {
		// The entries this peer needs have been compacted away; fall back
		// to a snapshot transfer.
		progress.Inflight = newSnapshot("", nil)
		n.mu.Unlock()
		n.sendSnapshot(p, term)
		return
	}

	maxEntries := n.config.MaxPayloadEntries
	if sendIndex < progress.SearchingEnd {
		// Still inside the binary-search window: probe with no payload so a
		// conflicting reply narrows SearchingEnd without committing to a
		// full batch. Gating on the window rather than on Matching == nil
		// also covers a brand new leader with an empty log, whose very
		// first send index sits at the (degenerate, width-1) window edge.
		maxEntries = 0
	}

	entries, err := n.logStore.TryGet(sendIndex, sendIndex+uint64(maxEntries))
	if err != nil {
		n.mu.Unlock()
		n.log.Errorw("failed to read log entries for replication", "error", err, "peer_id", p.id)
		return
	}

	var prevLogID *LogId
	if sendIndex > 1 {
		prev, err := n.logStore.TryGet(sendIndex-1, sendIndex)
		if err != nil {
			n.mu.Unlock()
			n.log.Errorw("failed to read previous log entry for replication", "error", err, "peer_id", p.id)
			return
		}
		if len(prev) == 1 {
			id := prev[0].LogID
			prevLogID = &id
		}
	}

	if len(entries) == 0 {
		progress.Inflight = newProbe(sendIndex)
	} else {
		lastIndex := entries[len(entries)-1].LogID.Index
		progress.Inflight = newLogs(prevLogID, lastIndex)
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogID:    prevLogID,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	reply, err := p.transport.AppendEntries(ctx, req)
	if err != nil {
		n.log.Warnw("append entries rpc failed", "error", err, "peer_id", p.id)
		n.clearInflight(p.id)
		return
	}

	n.postCommand(command{kind: cmdReplicationReply, peerID: p.id, aeRep: reply})
}

// clearInflight drops a peer's in-flight marker after a transport failure so
// the next trigger is free to retry.
func (n *Node) clearInflight(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.progress[id]; ok {
		p.Inflight = Inflight{}
	}
}

// sendSnapshot transfers the current snapshot to a peer whose needed log
// prefix has already been purged.
func (n *Node) sendSnapshot(p *Peer, term uint64) {
	snap, err := n.smStore.GetCurrentSnapshot()
	if err != nil {
		n.log.Errorw("failed to read snapshot for transfer", "error", err, "peer_id", p.id)
		n.clearInflight(p.id)
		return
	}
	if snap == nil {
		built, err := n.smStore.BuildSnapshot()
		if err != nil {
			n.log.Errorw("failed to build snapshot for transfer", "error", err, "peer_id", p.id)
			n.clearInflight(p.id)
			return
		}
		snap = &built
	}

	n.mu.Lock()
	if progress, ok := n.progress[p.id]; ok {
		progress.Inflight = newSnapshot(snap.Meta.SnapshotID, snap.Meta.LastLogID)
	}
	n.mu.Unlock()

	req := &InstallSnapshotRequest{
		Term:     term,
		LeaderID: n.id,
		Meta:     snap.Meta,
		Offset:   0,
		Data:     snap.Data,
		Done:     true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotRPCTimeout)
	defer cancel()
	reply, err := p.transport.InstallSnapshot(ctx, req)
	if err != nil {
		n.log.Warnw("install snapshot rpc failed", "error", err, "peer_id", p.id)
		n.clearInflight(p.id)
		return
	}

	n.postCommand(command{kind: cmdSnapshotReply, peerID: p.id, isRep: reply})
}

// handleReplicationReply applies an AppendEntries reply to the peer's
// ProgressEntry (§4.D), then advances the commit index and re-triggers
// replication if there's more work to do. Runs inside the command loop.
func (n *Node) handleReplicationReply(peerID NodeID, reply *AppendEntriesReply) {
	if reply == nil {
		return
	}
	if n.tryFollowNewTerm(peerID, reply.Term) {
		return
	}
	if n.nodeState != NodeStateLeader {
		return
	}

	progress, ok := n.progress[peerID]
	if !ok {
		return
	}
	updater := newProgressUpdater(n.config.AllowLogReversion, progress)

	// Both a probe and a log batch open an inflight window that needs
	// clearing on conflict (Inflight.conflict's own doc comment); only a
	// reply with no outstanding window at all (none was sent, or a snapshot
	// transfer is handled separately via handleSnapshotReply) should skip it.
	hasPayload := !progress.Inflight.IsNone()

	if reply.Success {
		updater.updateMatching(reply.LastMatch)
	} else {
		conflictIndex := uint64(0)
		if reply.Conflict != nil {
			conflictIndex = *reply.Conflict
		}
		if err := updater.updateConflicting(conflictIndex, hasPayload); err != nil {
			n.log.Fatalw("log reversion disallowed", "error", err, "peer_id", peerID, "term", n.currentTerm)
		}
	}

	committed := n.advanceCommitIndex()
	if p := n.peers[peerID]; p != nil {
		if committed || n.hasMoreToReplicate(progress) {
			p.trigger()
		}
	}
}

// handleSnapshotReply clears the snapshot-transfer window and, on success,
// seeds the peer's Matching at the snapshot boundary so subsequent probes
// start past it.
func (n *Node) handleSnapshotReply(peerID NodeID, reply *InstallSnapshotReply) {
	if reply == nil {
		return
	}
	if n.tryFollowNewTerm(peerID, reply.Term) {
		return
	}
	if n.nodeState != NodeStateLeader {
		return
	}
	progress, ok := n.progress[peerID]
	if !ok {
		return
	}
	lastLogID := progress.Inflight.SnapshotLastLogID
	progress.Inflight = Inflight{}

	if lastLogID != nil {
		progress.Matching = lastLogID
		progress.SearchingEnd = maxU64(progress.SearchingEnd, NextIndex(lastLogID))
	}

	if p := n.peers[peerID]; p != nil {
		p.trigger()
	}
}

// hasMoreToReplicate reports whether the leader's log extends past what a
// peer is known to have matched.
func (n *Node) hasMoreToReplicate(progress *ProgressEntry) bool {
	return NextIndex(progress.Matching) <= n.lastIndexLocked()
}

// advanceCommitIndex implements the teacher's leaderCommit scan generalized
// to joint-consensus quorum: walk backward from the last log index looking
// for the highest index reachable by the current term with quorum support
// under every voter group. Only entries from the leader's own term may be
// committed by counting replicas (§5.4.2 of the Raft paper). Returns true if
// the commit index advanced.
func (n *Node) advanceCommitIndex() bool {
	if n.membership == nil {
		return false
	}

	matchIndex := make(map[NodeID]uint64, len(n.peers)+1)
	matchIndex[n.id] = n.lastIndexLocked()
	for id, p := range n.progress {
		if p.Matching != nil {
			matchIndex[id] = p.Matching.Index
		}
	}

	newCommit := n.commitIndex
	for idx := n.lastIndexLocked(); idx > n.commitIndex; idx-- {
		entries, err := n.logStore.TryGet(idx, idx+1)
		if err != nil || len(entries) != 1 {
			continue
		}
		entry := entries[0]
		if entry.LogID.Term < n.currentTerm {
			break
		}
		if entry.LogID.Term > n.currentTerm {
			continue
		}
		if n.membership.Config.QuorumReached(matchIndex, idx) {
			newCommit = idx
			break
		}
	}

	if newCommit > n.commitIndex {
		n.log.Infow("advancing commit index", "term", n.currentTerm, "commit_index", newCommit, "node_id", n.id)
		n.commitIndex = newCommit
		n.applyCommitted()
		return true
	}
	return false
}

// handlePropose appends a new entry for cmd at the leader's current term,
// registers a waiter for its eventual application, and triggers replication
// to every peer. Runs inside the command loop, so registering the waiter in
// n.pending before applyCommitted runs (single-node fast path) cannot race
// with it.
func (n *Node) handlePropose(cmd *Command) (*pendingProposal, error) {
	if n.nodeState != NodeStateLeader {
		return nil, NewNotLeaderError(n.currentLeader)
	}

	entry := Entry{
		LogID: LogId{Term: n.currentTerm, Index: n.lastIndexLocked() + 1},
		Kind:  PayloadNormal,
		Cmd:   cmd,
	}
	if err := n.logStore.Append([]Entry{entry}); err != nil {
		return nil, err
	}
	n.lastLogID = &entry.LogID

	waiter := &pendingProposal{logID: entry.LogID, result: make(chan proposalResult, 1)}
	n.pending[entry.LogID.Index] = waiter

	if len(n.peers) == 0 {
		// single-node cluster: quorum is the leader alone.
		n.commitIndex = entry.LogID.Index
		n.applyCommitted()
	} else {
		for _, p := range n.peers {
			p.trigger()
		}
	}

	return waiter, nil
}
