package store

import (
	"go.etcd.io/bbolt"

	"github.com/sidecus/raftkv/raft"
)

// SaveHardState implements raft.MetaStore.SaveHardState (§4.C). bbolt commits
// a bucket Update inside its own fsync by default, satisfying the "must be
// fsynced before any outbound vote or log append referencing the term"
// requirement in §3 without any extra explicit sync call.
func (s *BoltStore) SaveHardState(hs raft.HardState) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return jsonPut(tx.Bucket(bucketMeta), metaKeyHardState, hs)
	})
	if err != nil {
		return raft.NewIOError(raft.SubjectHardState, raft.VerbWrite, err)
	}
	return nil
}

// ReadHardState implements raft.MetaStore.ReadHardState.
func (s *BoltStore) ReadHardState() (raft.HardState, error) {
	var hs raft.HardState
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, err := jsonGet(tx.Bucket(bucketMeta), metaKeyHardState, &hs)
		return err
	})
	if err != nil {
		return raft.HardState{}, raft.NewIOError(raft.SubjectHardState, raft.VerbRead, err)
	}
	return hs, nil
}

// ReadLastPurgedLogID implements raft.MetaStore.ReadLastPurgedLogID.
func (s *BoltStore) ReadLastPurgedLogID() (*raft.LogId, error) {
	var id raft.LogId
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ok, err = jsonGet(tx.Bucket(bucketMeta), metaKeyLastPurged, &id)
		return err
	})
	if err != nil {
		return nil, raft.NewIOError(raft.SubjectStore, raft.VerbRead, err)
	}
	if !ok {
		return nil, nil
	}
	return &id, nil
}
