package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memLogStore is a minimal in-memory LogStore, standing in for
// store.BoltStore in engine-level tests the way the teacher's node_test.go
// used a bare in-memory log manager instead of its real RPC/disk stack.
type memLogStore struct {
	mu         sync.Mutex
	byIndex    map[uint64]Entry
	lastIndex  uint64
	lastPurged *LogId
}

func newMemLogStore() *memLogStore {
	return &memLogStore{byIndex: make(map[uint64]Entry)}
}

func (s *memLogStore) Append(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.LogID.Index != s.lastIndex+1 {
			return fmt.Errorf("non-contiguous append: got index %d, want %d", e.LogID.Index, s.lastIndex+1)
		}
		s.byIndex[e.LogID.Index] = e
		s.lastIndex = e.LogID.Index
	}
	return nil
}

func (s *memLogStore) TryGet(start, end uint64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end == 0 {
		end = s.lastIndex + 1
	}
	var out []Entry
	for i := start; i < end; i++ {
		e, ok := s.byIndex[i]
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memLogStore) GetLogState() (LogState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *LogId
	if e, ok := s.byIndex[s.lastIndex]; ok {
		id := e.LogID
		last = &id
	} else if s.lastPurged != nil {
		id := *s.lastPurged
		last = &id
	}
	return LogState{LastPurgedLogID: s.lastPurged, LastLogID: last}, nil
}

func (s *memLogStore) DeleteConflictLogsSince(logID LogId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := logID.Index; i <= s.lastIndex; i++ {
		delete(s.byIndex, i)
	}
	if logID.Index > 0 {
		s.lastIndex = logID.Index - 1
	} else {
		s.lastIndex = 0
	}
	return nil
}

func (s *memLogStore) PurgeLogsUpto(logID LogId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := logID
	s.lastPurged = &id
	if logID.Index > s.lastIndex {
		s.lastIndex = logID.Index
	}
	for i := range s.byIndex {
		if i <= logID.Index {
			delete(s.byIndex, i)
		}
	}
	return nil
}

// memSMStore is a minimal in-memory StateMachineStore applying the CmdSet/
// CmdDel vocabulary directly, generalizing the teacher's testStateMachine.
type memSMStore struct {
	mu             sync.Mutex
	data           map[string]string
	lastApplied    *LogId
	lastMembership *EffectiveMembership
	snapshot       *Snapshot
	counter        uint64
}

func newMemSMStore() *memSMStore {
	return &memSMStore{data: make(map[string]string)}
}

func (s *memSMStore) Apply(entries []Entry) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	responses := make([]interface{}, len(entries))
	for i, e := range entries {
		id := e.LogID
		s.lastApplied = &id
		switch e.Kind {
		case PayloadNormal:
			if e.Cmd == nil {
				return nil, NewLogicalSafetyError("normal entry missing command")
			}
			switch e.Cmd.Kind {
			case CmdSet:
				s.data[e.Cmd.Key] = e.Cmd.Value
				responses[i] = e.Cmd.Value
			case CmdDel:
				delete(s.data, e.Cmd.Key)
			}
		case PayloadMembership:
			if e.Config != nil {
				em := EffectiveMembership{LogID: e.LogID, Config: *e.Config}
				s.lastMembership = &em
			}
		}
	}
	return responses, nil
}

func (s *memSMStore) LastAppliedState() (*LogId, *EffectiveMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied, s.lastMembership, nil
}

func (s *memSMStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memSMStore) BuildSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	data := make(map[string]string, len(s.data))
	for k, v := range s.data {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Snapshot{}, err
	}
	meta := SnapshotMeta{SnapshotID: FormatSnapshotID(s.lastApplied, s.counter), LastLogID: s.lastApplied}
	snap := Snapshot{Meta: meta, Data: raw}
	s.snapshot = &snap
	return snap, nil
}

func (s *memSMStore) InstallSnapshot(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	decoded := make(map[string]string)
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.data = decoded
	s.lastApplied = meta.LastLogID
	snap := Snapshot{Meta: meta, Data: data}
	s.snapshot = &snap
	return nil
}

func (s *memSMStore) GetCurrentSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

// memMetaStore is a minimal in-memory MetaStore.
type memMetaStore struct {
	mu sync.Mutex
	hs HardState
}

func (s *memMetaStore) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *memMetaStore) ReadHardState() (HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs, nil
}

func (s *memMetaStore) ReadLastPurgedLogID() (*LogId, error) {
	return nil, nil
}

// loopbackTransport dispatches directly to another in-process Node, standing
// in for transport/grpcapi the way the teacher's MockPeerFactory/mockProxy
// stood in for its real gRPC transport in node_test.go.
type loopbackTransport struct {
	peerID   NodeID
	registry map[NodeID]*Node
}

func (t *loopbackTransport) target() *Node {
	return t.registry[t.peerID]
}

func (t *loopbackTransport) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	type result struct {
		reply *AppendEntriesReply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := t.target().AppendEntries(req)
		ch <- result{reply, err}
	}()
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *loopbackTransport) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error) {
	type result struct {
		reply *RequestVoteReply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := t.target().RequestVote(req)
		ch <- result{reply, err}
	}()
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *loopbackTransport) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	type result struct {
		reply *InstallSnapshotReply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := t.target().InstallSnapshot(req)
		ch <- result{reply, err}
	}()
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type loopbackFactory struct {
	registry map[NodeID]*Node
}

func (f *loopbackFactory) NewPeerTransport(id NodeID) PeerTransport {
	return &loopbackTransport{peerID: id, registry: f.registry}
}

// testConfig uses millisecond-scale timings so election/heartbeat tests
// converge quickly under require.Eventually.
func testConfig() Config {
	return Config{
		HeartbeatInterval:  10 * time.Millisecond,
		ElectionTimeoutMin: 40 * time.Millisecond,
		ElectionTimeoutMax: 80 * time.Millisecond,
		MaxPayloadEntries:  64,
		SnapshotPolicy:     SnapshotPolicy{LogsSinceLast: 0},
		AllowLogReversion:  false,
	}
}

// testCluster bundles everything newCluster wires up for one test.
type testCluster struct {
	nodes     []*Node
	logStores []*memLogStore
	smStores  []*memSMStore
}

func (c *testCluster) leader(t *testing.T) *Node {
	t.Helper()
	var found *Node
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			state, _, _ := n.State()
			if state == NodeStateLeader {
				found = n
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no leader elected")
	return found
}

// newCluster builds n nodes wired together via loopbackTransport and starts
// them all, registering t.Cleanup to stop them.
func newCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = NodeID(i + 1)
	}

	registry := make(map[NodeID]*Node, n)
	factory := &loopbackFactory{registry: registry}

	c := &testCluster{
		nodes:     make([]*Node, n),
		logStores: make([]*memLogStore, n),
		smStores:  make([]*memSMStore, n),
	}
	for i, id := range ids {
		c.logStores[i] = newMemLogStore()
		c.smStores[i] = newMemSMStore()
		node, err := NewNode(id, ids, testConfig(), c.logStores[i], c.smStores[i], &memMetaStore{}, factory)
		require.NoError(t, err)
		c.nodes[i] = node
		registry[id] = node
	}

	for _, node := range c.nodes {
		node.Start()
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.Stop()
		}
	})

	return c
}
