package raft

import "context"

// postCommand enqueues c for the command loop without blocking forever on a
// stopped node; called from peer replication goroutines and from the public
// RPC/Propose entry points.
func (n *Node) postCommand(c command) {
	select {
	case n.cmdCh <- c:
	case <-n.stopC:
	}
}

// call sends c to the loop and blocks for its reply, used by the public
// synchronous API (AppendEntries/RequestVote/InstallSnapshot/Propose).
func (n *Node) call(c command) interface{} {
	c.reply = make(chan interface{}, 1)
	n.postCommand(c)
	select {
	case r := <-c.reply:
		return r
	case <-n.stopC:
		return nil
	}
}

// applyCommitted applies every entry in (lastApplied, commitIndex] to the
// state machine in order and resolves any caller waiting on it (leader-side
// proposals), matching the apply-monotonicity invariant in §8. Caller must
// hold n.mu.
func (n *Node) applyCommitted() {
	if n.commitIndex <= n.lastApplied {
		return
	}

	entries, err := n.logStore.TryGet(n.lastApplied+1, n.commitIndex+1)
	if err != nil {
		n.log.Fatalw("failed to read committed entries for apply", "error", err, "node_id", n.id)
		return
	}
	if len(entries) == 0 {
		return
	}

	responses, err := n.smStore.Apply(entries)
	if err != nil {
		n.log.Fatalw("failed to apply committed entries", "error", err, "node_id", n.id)
		return
	}

	for i, e := range entries {
		if e.Kind == PayloadMembership && e.Config != nil {
			n.membership = &EffectiveMembership{LogID: e.LogID, Config: *e.Config}
		}
		n.lastApplied = e.LogID.Index

		if pending, ok := n.pending[e.LogID.Index]; ok {
			delete(n.pending, e.LogID.Index)
			var resp interface{}
			if i < len(responses) {
				resp = responses[i]
			}
			select {
			case pending.result <- proposalResult{response: resp}:
			default:
			}
		}
	}

	n.maybeBuildSnapshot()
}

// maybeBuildSnapshot implements §4.E's snapshot-policy behavior: once enough
// entries have been applied since the last snapshot (SnapshotPolicy.
// LogsSinceLast, 0 disables this), build a new one and purge the log prefix
// it now covers. Runs on every node that applies entries, not just the
// leader, so followers compact their own logs too. Caller must hold n.mu.
func (n *Node) maybeBuildSnapshot() {
	threshold := n.config.SnapshotPolicy.LogsSinceLast
	if threshold == 0 || n.lastApplied < n.lastSnapshotIndex+threshold {
		return
	}

	snap, err := n.smStore.BuildSnapshot()
	if err != nil {
		n.log.Errorw("failed to build snapshot", "error", err, "node_id", n.id)
		return
	}
	n.lastSnapshotIndex = n.lastApplied

	if snap.Meta.LastLogID != nil {
		if err := n.logStore.PurgeLogsUpto(*snap.Meta.LastLogID); err != nil {
			n.log.Errorw("failed to purge log prefix after snapshot", "error", err, "node_id", n.id)
		}
	}

	n.log.Infow("built snapshot", "snapshot_id", snap.Meta.SnapshotID, "last_applied", n.lastApplied, "node_id", n.id)
}

// Propose submits a command for replication and blocks until it has been
// committed and applied (or the node determines it cannot serve the
// request). Returns raft.ErrNotLeader when called on a non-leader.
//
// handlePropose (run inside the command loop) registers the waiter in
// n.pending before returning, so there is no race between registration and
// applyCommitted resolving it -- including the single-node fast path where
// the entry is applied synchronously within the same loop iteration.
func (n *Node) Propose(ctx context.Context, cmd Command) (interface{}, error) {
	result := n.call(command{kind: cmdPropose, prop: &cmd})
	if err, ok := result.(error); ok {
		return nil, err
	}
	waiter, ok := result.(*pendingProposal)
	if !ok {
		return nil, NewNotLeaderError(nil)
	}

	select {
	case r := <-waiter.result:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopC:
		return nil, NewNotLeaderError(nil)
	}
}

// AppendEntries is the RPC entry point invoked by the transport layer on
// receipt of a leader's AppendEntries call.
func (n *Node) AppendEntries(req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	r := n.call(command{kind: cmdAppendEntries, ae: req})
	reply, _ := r.(*AppendEntriesReply)
	return reply, nil
}

// RequestVote is the RPC entry point invoked by the transport layer on
// receipt of a candidate's RequestVote call.
func (n *Node) RequestVote(req *RequestVoteRequest) (*RequestVoteReply, error) {
	r := n.call(command{kind: cmdRequestVote, rv: req})
	reply, _ := r.(*RequestVoteReply)
	return reply, nil
}

// InstallSnapshot is the RPC entry point invoked by the transport layer on
// receipt of a leader's InstallSnapshot call.
func (n *Node) InstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	r := n.call(command{kind: cmdInstallSnapshot, is: req})
	reply, _ := r.(*InstallSnapshotReply)
	return reply, nil
}
