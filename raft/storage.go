package raft

// LogStore is the durable, append-only, index-keyed log contract (§4.A).
// Concrete realizations (e.g. the bbolt-backed store.BoltStore) live
// outside this package and are injected into Node at construction time --
// the engine only ever depends on this interface, never on a concrete store,
// which keeps the engine/progress/store ownership acyclic (§9).
type LogStore interface {
	// Append durably appends entries whose indices must be exactly
	// current_last_index+1..+N.
	Append(entries []Entry) error

	// TryGet returns entries with index in [start, end), in index order,
	// stopping at the first gap or at end. end == 0 means unbounded.
	TryGet(start, end uint64) ([]Entry, error)

	// GetLogState returns the store's derived extent.
	GetLogState() (LogState, error)

	// DeleteConflictLogsSince removes all entries with index >= logID.Index.
	DeleteConflictLogsSince(logID LogId) error

	// PurgeLogsUpto removes all entries with index <= logID.Index and
	// durably records last_purged_log_id, ordered so that last_purged_log_id
	// is written before the range delete (§9 Open Question).
	PurgeLogsUpto(logID LogId) error
}

// StateMachineStore is the deterministic-application and snapshot contract
// (§4.B).
type StateMachineStore interface {
	// Apply sequentially applies entries, updating last_applied_log before
	// each entry's payload is applied, and returns one response per entry.
	Apply(entries []Entry) ([]interface{}, error)

	// LastAppliedState returns (last_applied_log, last_membership).
	LastAppliedState() (*LogId, *EffectiveMembership, error)

	// BuildSnapshot serializes the current machine state into a new
	// Snapshot, atomically bumping the persisted snapshot counter.
	BuildSnapshot() (Snapshot, error)

	// InstallSnapshot atomically replaces the machine contents from a
	// snapshot payload previously produced by BuildSnapshot (locally or on
	// another node), updating last_applied/last_membership from the
	// deserialized payload rather than from meta.
	InstallSnapshot(meta SnapshotMeta, data []byte) error

	// GetCurrentSnapshot returns the most recently persisted snapshot record,
	// if any.
	GetCurrentSnapshot() (*Snapshot, error)
}

// MetaStore is the hard-state and snapshot-bookkeeping contract (§4.C).
type MetaStore interface {
	SaveHardState(hs HardState) error
	ReadHardState() (HardState, error)

	ReadLastPurgedLogID() (*LogId, error)
}
