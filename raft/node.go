package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sidecus/raftkv/util"
)

// NodeState is the role a Node currently occupies.
type NodeState int

const (
	// NodeStateFollower replicates from a leader and votes in elections.
	NodeStateFollower NodeState = iota
	// NodeStateCandidate is soliciting votes for a new term.
	NodeStateCandidate
	// NodeStateLeader replicates entries to followers and serves writes.
	NodeStateLeader
)

func (s NodeState) String() string {
	switch s {
	case NodeStateFollower:
		return "Follower"
	case NodeStateCandidate:
		return "Candidate"
	case NodeStateLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// PeerTransport is the per-peer RPC client contract the engine depends on.
// Concrete realizations (e.g. transport/grpcapi) are injected by the caller
// at construction time -- the engine never imports the transport package,
// keeping engine/transport/store ownership acyclic (§9).
type PeerTransport interface {
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error)
	RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error)
	InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotReply, error)
}

// PeerTransportFactory creates a PeerTransport for a given peer node id.
type PeerTransportFactory interface {
	NewPeerTransport(id NodeID) PeerTransport
}

// pendingProposal tracks a caller waiting for its entry to be applied.
type pendingProposal struct {
	logID  LogId
	result chan proposalResult
}

type proposalResult struct {
	response interface{}
	err      error
}

// command is the uniform work item accepted by the single-writer command
// loop described in §5: RPC handlers and client calls all funnel through
// this channel, so their state changes all run on the loop goroutine. The
// per-peer replication goroutines are the exception: they set and clear
// their peer's ProgressEntry.Inflight window themselves, under n.mu.
type command struct {
	kind   commandKind
	reply  chan interface{}
	ae     *AppendEntriesRequest
	rv     *RequestVoteRequest
	is     *InstallSnapshotRequest
	prop   *Command
	aeRep  *AppendEntriesReply
	rvRep  *RequestVoteReply
	isRep  *InstallSnapshotReply
	peerID NodeID
}

type commandKind int

const (
	cmdAppendEntries commandKind = iota
	cmdRequestVote
	cmdInstallSnapshot
	cmdPropose
	cmdTick
	cmdReplicationReply
	cmdVoteReply
	cmdSnapshotReply
)

// Node is one member of the raft cluster: the replication engine described
// in §4.E, generalizing the teacher's node/nodeleader/nodenonleader trio.
type Node struct {
	id          NodeID
	config      Config
	logStore    LogStore
	smStore     StateMachineStore
	metaStore   MetaStore
	transportFn PeerTransportFactory

	mu sync.Mutex // guards the fields below; held by the command loop, the public accessors, and the per-peer replication goroutines

	nodeState     NodeState
	currentTerm   uint64
	currentLeader *NodeID
	votedFor      *NodeID

	lastLogID         *LogId
	commitIndex       uint64
	lastApplied       uint64
	membership        *EffectiveMembership
	lastSnapshotIndex uint64 // index of the last applied entry captured by a built/installed snapshot

	peers    map[NodeID]*Peer
	progress map[NodeID]*ProgressEntry
	votes    map[NodeID]bool

	pending map[uint64]*pendingProposal

	electionCount uint64

	cmdCh chan command
	stopC chan struct{}
	wg    sync.WaitGroup

	rng *rand.Rand

	log *zap.SugaredLogger
}

// NewNode constructs a Node in Follower state with empty progress, recovering
// hard state and the last log id from durable storage.
func NewNode(id NodeID, voters []NodeID, cfg Config, logStore LogStore, smStore StateMachineStore, metaStore MetaStore, factory PeerTransportFactory) (*Node, error) {
	hs, err := metaStore.ReadHardState()
	if err != nil {
		return nil, err
	}
	logState, err := logStore.GetLogState()
	if err != nil {
		return nil, err
	}
	lastApplied, lastMembership, err := smStore.LastAppliedState()
	if err != nil {
		return nil, err
	}
	if CompareOptLogId(lastApplied, logState.LastLogID) > 0 {
		return nil, NewLogicalSafetyError("last applied log id is ahead of the last log id in the log store")
	}

	n := &Node{
		id:          id,
		config:      cfg,
		logStore:    logStore,
		smStore:     smStore,
		metaStore:   metaStore,
		transportFn: factory,
		nodeState:   NodeStateFollower,
		currentTerm: hs.CurrentTerm,
		votedFor:    hs.VotedFor,
		lastLogID:   logState.LastLogID,
		peers:       make(map[NodeID]*Peer),
		progress:    make(map[NodeID]*ProgressEntry),
		votes:       make(map[NodeID]bool),
		pending:     make(map[uint64]*pendingProposal),
		cmdCh:       make(chan command, 256),
		stopC:       make(chan struct{}),
		rng:         rand.New(rand.NewSource(int64(id) + time.Now().UnixNano())),
		log:         util.L(),
	}
	if lastApplied != nil {
		n.commitIndex = lastApplied.Index
		n.lastApplied = lastApplied.Index
	}
	if logState.LastPurgedLogID != nil {
		n.lastSnapshotIndex = logState.LastPurgedLogID.Index
	}
	n.membership = lastMembership
	if n.membership == nil {
		// A brand new cluster has no PayloadMembership entry to recover yet --
		// seed the voter list passed at construction as the effective config
		// at LogId{0,0} so advanceCommitIndex has a quorum to check against
		// from the very first proposal, instead of waiting for a config
		// change that nothing in this tree ever proposes.
		n.membership = &EffectiveMembership{
			LogID:  LogId{Term: 0, Index: 0},
			Config: MembershipConfig{Groups: []ConfigGroup{{Voters: append([]NodeID(nil), voters...)}}},
		}
	}

	for _, v := range voters {
		if v == id {
			continue
		}
		n.peers[v] = newPeer(v, factory.NewPeerTransport(v))
	}

	return n, nil
}

// Start launches the command loop, the election/heartbeat timer, and one
// replication goroutine per peer (the teacher's PeerManager.Start pattern).
func (n *Node) Start() {
	n.wg.Add(1)
	go n.runLoop()

	for _, p := range n.peers {
		n.wg.Add(1)
		go n.runPeerReplication(p)
	}
}

// Stop halts the command loop and all peer goroutines.
func (n *Node) Stop() {
	close(n.stopC)
	n.wg.Wait()
}

// runLoop is the command-loop actor: every mutation of Node's engine state
// happens here, in this one goroutine, except the per-peer Inflight
// bookkeeping done under n.mu by replicateToPeer, sendSnapshot and
// clearInflight.
func (n *Node) runLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopC:
			return
		case <-timer.C:
			n.onTimer()
			timer.Reset(n.currentTimerInterval())
		case c := <-n.cmdCh:
			if n.dispatch(c) {
				timer.Reset(n.currentTimerInterval())
			}
		}
	}
}

// dispatch executes one command against engine state and reports whether the
// timer should be rearmed -- any message that resets our view of "there is a
// live leader or an active election" does, matching the teacher's
// refreshTimer-on-every-RPC behavior but collapsed to one decision point.
// Holds n.mu for the duration: the per-peer replication goroutines also read
// engine state and set or clear their peer's Inflight window, so every
// mutation here is lock-protected.
func (n *Node) dispatch(c command) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch c.kind {
	case cmdAppendEntries:
		c.reply <- n.handleAppendEntries(c.ae)
		return true
	case cmdRequestVote:
		c.reply <- n.handleRequestVote(c.rv)
		return true
	case cmdInstallSnapshot:
		c.reply <- n.handleInstallSnapshot(c.is)
		return true
	case cmdPropose:
		waiter, err := n.handlePropose(c.prop)
		if err != nil {
			c.reply <- err
		} else {
			c.reply <- waiter
		}
		return false
	case cmdReplicationReply:
		n.handleReplicationReply(c.peerID, c.aeRep)
		return false
	case cmdVoteReply:
		n.handleRequestVoteReply(c.rvRep)
		return false
	case cmdSnapshotReply:
		n.handleSnapshotReply(c.peerID, c.isRep)
		return false
	}
	return false
}

// electionTimeout picks a randomized duration in
// [ElectionTimeoutMin, ElectionTimeoutMax) as required by §4.E.
func (n *Node) electionTimeout() time.Duration {
	min := n.config.ElectionTimeoutMin
	max := n.config.ElectionTimeoutMax
	if max <= min {
		return min
	}
	spread := max - min
	return min + time.Duration(n.rng.Int63n(int64(spread)))
}

// currentTimerInterval returns the heartbeat interval for a leader or a
// fresh randomized election timeout otherwise.
func (n *Node) currentTimerInterval() time.Duration {
	n.mu.Lock()
	state := n.nodeState
	n.mu.Unlock()
	if state == NodeStateLeader {
		return n.config.HeartbeatInterval
	}
	return n.electionTimeout()
}

// onTimer is the entry point the teacher's node.OnTimer generalizes: role
// dictates whether the firing timer means "start an election" or "send a
// heartbeat". Holds n.mu, like dispatch.
func (n *Node) onTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nodeState == NodeStateLeader {
		n.sendHeartbeat()
	} else {
		n.startElection()
	}
}

// tryFollowNewTerm steps down to Follower if sourceTerm is newer than ours.
// Returns true if we stepped down (caller should stop processing the
// triggering message as stale).
func (n *Node) tryFollowNewTerm(source NodeID, sourceTerm uint64) bool {
	if sourceTerm <= n.currentTerm {
		return false
	}
	n.enterFollowerState(&source, sourceTerm)
	return true
}

// setTerm durably advances the current term, resetting votedFor when the
// term actually increases. Caller must hold n.mu; this issues a
// synchronous hard-state write exactly as the teacher's setTerm comment
// requires before any outbound vote or append referencing the new term.
func (n *Node) setTerm(newTerm uint64) {
	if newTerm < n.currentTerm {
		n.log.Fatalw("cannot set term backwards", "current_term", n.currentTerm, "new_term", newTerm, "node_id", n.id)
	}
	if newTerm > n.currentTerm {
		n.votedFor = nil
	}
	n.currentTerm = newTerm

	if err := n.metaStore.SaveHardState(HardState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
		n.log.Fatalw("failed to persist hard state", "error", err, "node_id", n.id)
	}
}

// State returns a point-in-time, lock-protected snapshot of role/term/leader
// for use by the admin surface and metrics.
func (n *Node) State() (NodeState, uint64, *NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeState, n.currentTerm, n.currentLeader
}

// CommitIndex returns the current commit index under lock.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// Stats is a cloneable, point-in-time read-only view of engine state for the
// metrics package (§9 design notes): every field is copied out under lock so
// the caller can hold onto it without racing the command loop.
type Stats struct {
	State          NodeState
	Term           uint64
	CommitIndex    uint64
	AppliedIndex   uint64
	ElectionCount  uint64
	ReplicationLag map[NodeID]uint64 // leader's view of (last log index - peer match index); empty on a follower
}

// Stats returns a Stats snapshot. Safe to call from any goroutine.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	lag := make(map[NodeID]uint64, len(n.progress))
	last := n.lastIndexLocked()
	for id, p := range n.progress {
		if n.nodeState != NodeStateLeader {
			break // progress left over from an earlier leadership is not reported
		}
		matched := uint64(0)
		if p.Matching != nil {
			matched = p.Matching.Index
		}
		if last > matched {
			lag[id] = last - matched
		} else {
			lag[id] = 0
		}
	}

	return Stats{
		State:          n.nodeState,
		Term:           n.currentTerm,
		CommitIndex:    n.commitIndex,
		AppliedIndex:   n.lastApplied,
		ElectionCount:  n.electionCount,
		ReplicationLag: lag,
	}
}
