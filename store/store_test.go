package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidecus/raftkv/raft"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mkEntry(term, index uint64, key, value string) raft.Entry {
	return raft.Entry{
		LogID: raft.LogId{Term: term, Index: index},
		Kind:  raft.PayloadNormal,
		Cmd:   &raft.Command{Kind: raft.CmdSet, Key: key, Value: value},
	}
}

func TestAppendAndTryGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	entries := []raft.Entry{
		mkEntry(1, 1, "a", "1"),
		mkEntry(1, 2, "b", "2"),
		mkEntry(1, 3, "c", "3"),
	}
	require.NoError(t, s.Append(entries))

	got, err := s.TryGet(1, 4)
	require.NoError(t, err)
	require.Equal(t, entries, got)

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.Equal(t, uint64(3), state.LastLogID.Index)
}

func TestAppendRejectsNonContiguousIndices(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]raft.Entry{mkEntry(1, 1, "a", "1")}))

	err := s.Append([]raft.Entry{mkEntry(1, 3, "c", "3")})
	require.Error(t, err)
}

func TestTryGetStopsAtGap(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]raft.Entry{
		mkEntry(1, 1, "a", "1"),
		mkEntry(1, 2, "b", "2"),
	}))

	got, err := s.TryGet(1, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDeleteConflictLogsSince(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]raft.Entry{
		mkEntry(1, 1, "a", "1"),
		mkEntry(1, 2, "b", "2"),
		mkEntry(2, 3, "c", "3"),
	}))

	require.NoError(t, s.DeleteConflictLogsSince(raft.LogId{Term: 2, Index: 2}))

	got, err := s.TryGet(1, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].LogID.Index)
}

func TestPurgeLogsUptoRecordsLastPurged(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]raft.Entry{
		mkEntry(1, 1, "a", "1"),
		mkEntry(1, 2, "b", "2"),
		mkEntry(1, 3, "c", "3"),
	}))

	require.NoError(t, s.PurgeLogsUpto(raft.LogId{Term: 1, Index: 2}))

	got, err := s.TryGet(1, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].LogID.Index)

	purged, err := s.ReadLastPurgedLogID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), purged.Index)

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.True(t, state.LastPurgedLogID.Index <= state.LastLogID.Index)
}

func TestGetLogStateFallsBackToLastPurgedWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]raft.Entry{mkEntry(1, 1, "a", "1")}))
	require.NoError(t, s.PurgeLogsUpto(raft.LogId{Term: 1, Index: 1}))

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastLogID)
	require.Equal(t, uint64(1), state.LastLogID.Index)
}

func TestHardStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	voted := raft.NodeID(7)
	hs := raft.HardState{CurrentTerm: 5, VotedFor: &voted}
	require.NoError(t, s.SaveHardState(hs))

	got, err := s.ReadHardState()
	require.NoError(t, err)
	require.Equal(t, hs, got)
}

func TestApplySetAndDelete(t *testing.T) {
	s := openTestStore(t)
	entries := []raft.Entry{
		mkEntry(1, 1, "k", "v1"),
		{LogID: raft.LogId{Term: 1, Index: 2}, Kind: raft.PayloadNormal, Cmd: &raft.Command{Kind: raft.CmdDel, Key: "k"}},
	}
	responses, err := s.Apply(entries)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	lastApplied, _, err := s.LastAppliedState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), lastApplied.Index)
}

func TestApplyMembership(t *testing.T) {
	s := openTestStore(t)
	cfg := raft.MembershipConfig{Groups: []raft.ConfigGroup{{Voters: []raft.NodeID{1, 2, 3}}}}
	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}, Kind: raft.PayloadMembership, Config: &cfg},
	}
	_, err := s.Apply(entries)
	require.NoError(t, err)

	_, mem, err := s.LastAppliedState()
	require.NoError(t, err)
	require.NotNil(t, mem)
	require.Equal(t, cfg, mem.Config)
}

// TestSnapshotRoundTrip exercises the §8 round-trip law:
// snapshot -> install_snapshot on an empty machine yields equality.
func TestSnapshotRoundTrip(t *testing.T) {
	leader := openTestStore(t)
	entries := []raft.Entry{
		mkEntry(1, 1, "a", "1"),
		mkEntry(1, 2, "b", "2"),
	}
	_, err := leader.Apply(entries)
	require.NoError(t, err)

	snap, err := leader.BuildSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, snap.Meta.SnapshotID)
	require.Equal(t, uint64(2), snap.Meta.LastLogID.Index)

	follower := openTestStore(t)
	require.NoError(t, follower.InstallSnapshot(snap.Meta, snap.Data))

	lastApplied, _, err := follower.LastAppliedState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), lastApplied.Index)

	v, ok, err := follower.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	v, ok, err = follower.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)

	current, err := follower.GetCurrentSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap.Meta.SnapshotID, current.Meta.SnapshotID)
}

func TestBuildSnapshotOnEmptyMachineUsesDashFormat(t *testing.T) {
	s := openTestStore(t)
	snap, err := s.BuildSnapshot()
	require.NoError(t, err)
	require.Equal(t, "--1", snap.Meta.SnapshotID)
	require.Nil(t, snap.Meta.LastLogID)
}
