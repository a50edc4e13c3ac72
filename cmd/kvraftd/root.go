// Package main is the process bootstrap for a single raftkv node, generalizing
// the teacher's rkv.StartRKV(nodeID, port, peers) thin-wiring function into a
// cobra.Command so every tunable in §6/§7 is a flag instead of a function
// argument.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sidecus/raftkv/kvapp"
	kvappgrpc "github.com/sidecus/raftkv/kvapp/grpcapi"
	"github.com/sidecus/raftkv/metrics"
	"github.com/sidecus/raftkv/raft"
	"github.com/sidecus/raftkv/store"
	"github.com/sidecus/raftkv/transport/grpcapi"
	"github.com/sidecus/raftkv/util"
)

type cliFlags struct {
	nodeID                uint64
	peers                 string
	dataDir               string
	peerAddr              string
	clientAddr            string
	metricsAddr           string
	heartbeatMs           int
	electionTimeoutMinMs  int
	electionTimeoutMaxMs  int
	maxPayloadEntries     int
	snapshotLogsSinceLast uint64
	allowLogReversion     bool
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "kvraftd",
		Short: "raftkv replicates a key-value store across a cluster using raft consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	pf := cmd.Flags()
	pf.Uint64Var(&flags.nodeID, "node-id", 0, "this node's id (must appear in --peers)")
	pf.StringVar(&flags.peers, "peers", "", "comma-separated node-id=host:port list for every voter, including this node")
	pf.StringVar(&flags.dataDir, "data-dir", "./data", "directory for this node's bbolt data file")
	pf.StringVar(&flags.peerAddr, "peer-addr", ":9090", "listen address for the raft peer-to-peer transport")
	pf.StringVar(&flags.clientAddr, "client-addr", ":9091", "listen address for the client-facing Set/Delete/Get service")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", ":9092", "listen address for the Prometheus /metrics endpoint")
	pf.IntVar(&flags.heartbeatMs, "heartbeat-ms", 250, "leader heartbeat interval in milliseconds")
	pf.IntVar(&flags.electionTimeoutMinMs, "election-timeout-min-ms", 299, "minimum randomized election timeout in milliseconds")
	pf.IntVar(&flags.electionTimeoutMaxMs, "election-timeout-max-ms", 598, "maximum randomized election timeout in milliseconds")
	pf.IntVar(&flags.maxPayloadEntries, "max-payload-entries", 64, "maximum number of log entries per AppendEntries RPC")
	pf.Uint64Var(&flags.snapshotLogsSinceLast, "snapshot-logs-since-last", 10000, "entries applied since the last snapshot that trigger a new one")
	pf.BoolVar(&flags.allowLogReversion, "allow-log-reversion", false, "allow a follower's matched index to move backwards on a stale reply (§9 Open Question, default false)")

	return cmd
}

func parsePeers(spec string) (map[raft.NodeID]string, error) {
	addresses := make(map[raft.NodeID]string)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peers entry %q, want node-id=host:port", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node id in --peers entry %q: %w", entry, err)
		}
		addresses[raft.NodeID(id)] = parts[1]
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("--peers must list at least this node")
	}
	return addresses, nil
}

func votersOf(addresses map[raft.NodeID]string) []raft.NodeID {
	voters := make([]raft.NodeID, 0, len(addresses))
	for id := range addresses {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	return voters
}

func run(flags *cliFlags) error {
	log := util.L()

	addresses, err := parsePeers(flags.peers)
	if err != nil {
		return err
	}
	selfID := raft.NodeID(flags.nodeID)
	if _, ok := addresses[selfID]; !ok {
		return fmt.Errorf("--node-id %d not found in --peers", flags.nodeID)
	}
	voters := votersOf(addresses)

	if err := os.MkdirAll(flags.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(flags.dataDir, fmt.Sprintf("node-%d.db", flags.nodeID))
	boltStore, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer boltStore.Close()

	cfg := raft.Config{
		HeartbeatInterval:  time.Duration(flags.heartbeatMs) * time.Millisecond,
		ElectionTimeoutMin: time.Duration(flags.electionTimeoutMinMs) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(flags.electionTimeoutMaxMs) * time.Millisecond,
		MaxPayloadEntries:  flags.maxPayloadEntries,
		SnapshotPolicy:     raft.SnapshotPolicy{LogsSinceLast: flags.snapshotLogsSinceLast},
		AllowLogReversion:  flags.allowLogReversion,
	}

	peerFactory := &grpcapi.ClientFactory{Addresses: addresses}
	node, err := raft.NewNode(selfID, voters, cfg, boltStore, boltStore, boltStore, peerFactory)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	peerServer := grpcapi.NewServer(node)
	if err := peerServer.Start(flags.peerAddr); err != nil {
		return fmt.Errorf("starting peer transport server: %w", err)
	}
	defer peerServer.Stop()

	kvService := kvapp.NewService(node, boltStore)
	clientServer := kvappgrpc.NewServer(kvService)
	if err := clientServer.Start(flags.clientAddr); err != nil {
		return fmt.Errorf("starting client service: %w", err)
	}
	defer clientServer.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(selfID, node))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: flags.metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()

	node.Start()
	defer node.Stop()

	log.Infow("node started",
		"node_id", flags.nodeID, "peer_addr", flags.peerAddr,
		"client_addr", flags.clientAddr, "metrics_addr", flags.metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infow("shutting down", "node_id", flags.nodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)

	return nil
}
