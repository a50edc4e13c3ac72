package store

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/sidecus/raftkv/raft"
)

func marshalEntry(e raft.Entry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (raft.Entry, error) {
	var e raft.Entry
	err := json.Unmarshal(data, &e)
	return e, err
}

// Append implements raft.LogStore.Append (§4.A). entries must have strictly
// increasing indices equal to current_last_index+1..+N.
func (s *BoltStore) Append(entries []raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)

		last, err := lastLogEntry(b)
		if err != nil {
			return err
		}
		nextExpected := uint64(1)
		if last != nil {
			nextExpected = last.LogID.Index + 1
		} else {
			// An empty log continues after the last purged entry, if any.
			var purged raft.LogId
			ok, err := jsonGet(tx.Bucket(bucketMeta), metaKeyLastPurged, &purged)
			if err != nil {
				return err
			}
			if ok {
				nextExpected = purged.Index + 1
			}
		}

		for i, e := range entries {
			if e.LogID.Index != nextExpected+uint64(i) {
				return raft.NewLogicalSafetyError("log append indices must be contiguous")
			}
			data, err := marshalEntry(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(e.LogID.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*raft.Error); ok {
			return err
		}
		return raft.NewIOError(raft.SubjectLogs, raft.VerbWrite, err)
	}
	return nil
}

// TryGet implements raft.LogStore.TryGet. end==0 means unbounded.
func (s *BoltStore) TryGet(start, end uint64) ([]raft.Entry, error) {
	var out []raft.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		expected := start
		for k, v := c.Seek(indexKey(start)); k != nil; k, v = c.Next() {
			idx := keyToIndex(k)
			if end != 0 && idx >= end {
				break
			}
			if idx != expected {
				// gap: stop at first missing index
				break
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
			expected++
		}
		return nil
	})
	if err != nil {
		return nil, raft.NewIOError(raft.SubjectLogs, raft.VerbRead, err)
	}
	return out, nil
}

// GetLogState implements raft.LogStore.GetLogState.
func (s *BoltStore) GetLogState() (raft.LogState, error) {
	var state raft.LogState
	err := s.db.View(func(tx *bbolt.Tx) error {
		logsB := tx.Bucket(bucketLogs)
		last, err := lastLogEntry(logsB)
		if err != nil {
			return err
		}
		if last != nil {
			id := last.LogID
			state.LastLogID = &id
		}

		metaB := tx.Bucket(bucketMeta)
		var purged raft.LogId
		ok, err := jsonGet(metaB, metaKeyLastPurged, &purged)
		if err != nil {
			return err
		}
		if ok {
			state.LastPurgedLogID = &purged
		}

		if state.LastLogID == nil {
			state.LastLogID = state.LastPurgedLogID
		}
		return nil
	})
	if err != nil {
		return raft.LogState{}, raft.NewIOError(raft.SubjectLogs, raft.VerbRead, err)
	}
	return state, nil
}

// DeleteConflictLogsSince implements raft.LogStore.DeleteConflictLogsSince:
// removes all entries with index >= logID.Index.
func (s *BoltStore) DeleteConflictLogsSince(logID raft.LogId) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		return deleteRange(b, logID.Index, nil)
	})
	if err != nil {
		return raft.NewIOError(raft.SubjectLogs, raft.VerbWrite, err)
	}
	return nil
}

// PurgeLogsUpto implements raft.LogStore.PurgeLogsUpto: removes all entries
// with index <= logID.Index and durably records last_purged_log_id. Both
// steps run in one bbolt transaction (the record is written first), so they
// commit together; recovery also tolerates last_purged_log_id being ahead of
// the oldest retained entry.
func (s *BoltStore) PurgeLogsUpto(logID raft.LogId) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		metaB := tx.Bucket(bucketMeta)
		if err := jsonPut(metaB, metaKeyLastPurged, logID); err != nil {
			return err
		}

		logsB := tx.Bucket(bucketLogs)
		upper := logID.Index + 1
		return deleteRange(logsB, 0, &upper)
	})
	if err != nil {
		return raft.NewIOError(raft.SubjectLogs, raft.VerbWrite, err)
	}
	return nil
}

// deleteRange deletes all keys in [from, to) from b. to==nil means unbounded.
func deleteRange(b *bbolt.Bucket, from uint64, to *uint64) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
		idx := keyToIndex(k)
		if to != nil && idx >= *to {
			break
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func lastLogEntry(b *bbolt.Bucket) (*raft.Entry, error) {
	c := b.Cursor()
	k, v := c.Last()
	if k == nil {
		return nil, nil
	}
	e, err := unmarshalEntry(v)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
