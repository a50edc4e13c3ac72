// Package metrics exposes a node's engine state as Prometheus gauges and
// counters (§9 design notes: "Metrics are exposed via a cloneable read-only
// view"). Node.Stats already returns that cloneable snapshot; Collector just
// samples it on every scrape rather than pushing updates from the command
// loop, so the engine stays free of any metrics-specific locking or hooks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sidecus/raftkv/raft"
)

// StatsSource is satisfied by *raft.Node.
type StatsSource interface {
	Stats() raft.Stats
}

// Collector implements prometheus.Collector, sampling a node's Stats on
// every Collect call.
type Collector struct {
	node StatsSource

	state          *prometheus.Desc
	term           *prometheus.Desc
	commitIndex    *prometheus.Desc
	appliedIndex   *prometheus.Desc
	electionCount  *prometheus.Desc
	replicationLag *prometheus.Desc
}

// NewCollector builds a Collector over node, labeling every series with
// node_id so a single Prometheus instance can scrape a whole cluster through
// one registry per process without series collisions.
func NewCollector(nodeID raft.NodeID, node StatsSource) *Collector {
	id := strconv.FormatUint(uint64(nodeID), 10)
	constLabels := prometheus.Labels{"node_id": id}

	return &Collector{
		node: node,
		state: prometheus.NewDesc(
			"raftkv_node_state", "Current role: 0=Follower, 1=Candidate, 2=Leader.",
			nil, constLabels),
		term: prometheus.NewDesc(
			"raftkv_current_term", "Current raft term.",
			nil, constLabels),
		commitIndex: prometheus.NewDesc(
			"raftkv_commit_index", "Highest log index known to be committed.",
			nil, constLabels),
		appliedIndex: prometheus.NewDesc(
			"raftkv_applied_index", "Highest log index applied to the state machine.",
			nil, constLabels),
		electionCount: prometheus.NewDesc(
			"raftkv_election_count_total", "Number of elections this node has started.",
			nil, constLabels),
		replicationLag: prometheus.NewDesc(
			"raftkv_replication_lag", "Leader's view of (last log index - peer match index).",
			[]string{"peer_id"}, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.term
	ch <- c.commitIndex
	ch <- c.appliedIndex
	ch <- c.electionCount
	ch <- c.replicationLag
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.node.Stats()

	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(stats.State))
	ch <- prometheus.MustNewConstMetric(c.term, prometheus.GaugeValue, float64(stats.Term))
	ch <- prometheus.MustNewConstMetric(c.commitIndex, prometheus.GaugeValue, float64(stats.CommitIndex))
	ch <- prometheus.MustNewConstMetric(c.appliedIndex, prometheus.GaugeValue, float64(stats.AppliedIndex))
	ch <- prometheus.MustNewConstMetric(c.electionCount, prometheus.CounterValue, float64(stats.ElectionCount))

	for peerID, lag := range stats.ReplicationLag {
		peerLabel := strconv.FormatUint(uint64(peerID), 10)
		ch <- prometheus.MustNewConstMetric(c.replicationLag, prometheus.GaugeValue, float64(lag), peerLabel)
	}
}
