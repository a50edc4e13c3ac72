package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/sidecus/raftkv/raft"
)

type fakeStatsSource struct {
	stats raft.Stats
}

func (f fakeStatsSource) Stats() raft.Stats {
	return f.stats
}

func TestCollectorRegistersAndGathers(t *testing.T) {
	source := fakeStatsSource{stats: raft.Stats{
		State:          raft.NodeStateLeader,
		Term:           4,
		CommitIndex:    10,
		AppliedIndex:   9,
		ElectionCount:  2,
		ReplicationLag: map[raft.NodeID]uint64{2: 1, 3: 0},
	}}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(raft.NodeID(1), source)))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "raftkv_commit_index")
	require.Equal(t, float64(10), byName["raftkv_commit_index"].Metric[0].GetGauge().GetValue())

	require.Contains(t, byName, "raftkv_node_state")
	require.Equal(t, float64(raft.NodeStateLeader), byName["raftkv_node_state"].Metric[0].GetGauge().GetValue())

	require.Contains(t, byName, "raftkv_replication_lag")
	require.Len(t, byName["raftkv_replication_lag"].Metric, 2)
}
