// Package store provides a bbolt-backed realization of the raft package's
// LogStore/StateMachineStore/MetaStore contracts, laid out exactly as
// described in spec §6: four logical partitions (meta, logs, sm_meta,
// sm_data) persisted as buckets inside a single *bbolt.DB file.
package store

import "encoding/binary"

// indexKey encodes a log index as an 8-byte big-endian key so that
// lexicographic bucket ordering matches numeric index ordering (§4.A).
func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func keyToIndex(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

var (
	bucketMeta   = []byte("meta")
	bucketLogs   = []byte("logs")
	bucketSMMeta = []byte("sm_meta")
	bucketSMData = []byte("sm_data")
)

const (
	metaKeyHardState     = "hard_state"
	metaKeyLastPurged    = "last_purged_log_id"
	metaKeySnapshotIndex = "snapshot_index"
	metaKeySnapshot      = "snapshot"

	smMetaKeyLastApplied   = "last_applied_log"
	smMetaKeyLastMembership = "last_membership"
)
