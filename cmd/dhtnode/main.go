// Command dhtnode runs a single DHT storage node: it owns a slice of
// the 160-bit key space, serves the named RPC methods of spec §6 over
// HTTP, and runs the two background tasks (CheckLocalHashTable,
// MonitorDHTRanges) that keep its range converged with its neighbors
// and shed load under disk pressure (spec §4.6, §4.9). Adapted from
// the teacher's cmd/node/main.go: env/flag configuration, an HTTP
// ServeMux wired with health/info endpoints alongside the RPC handler,
// and a retrying bootstrap-or-join step before serving, generalized
// from coordinator registration to ring membership.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/repair"
	"github.com/dreamware/fabnetdht/internal/rpcapi"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

// logFatal is a variable so tests can intercept a fatal exit, the same
// indirection cmd/node/main.go uses.
var logFatal = log.Fatalf

func main() {
	configPath := flag.String("config", os.Getenv("DHT_CONFIG"), "path to a YAML config file (optional; env vars always override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("dhtnode: %v", err)
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logFatal("dhtnode: creating data dir %s: %v", cfg.DataDir, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := rpcapi.NewClient(cfg.PublicAddr)

	table := rangetable.New()
	if cfg.SeedAddr == "" {
		if err := table.Append(dhtkey.Min, dhtkey.Max, cfg.PublicAddr); err != nil {
			logFatal("dhtnode: bootstrapping ranges table: %v", err)
			return
		}
		log.Printf("dhtnode[%s]: bootstrapping a fresh ring, owning the whole key space", cfg.NodeID)
	} else {
		ranges, modIndex, err := joinExistingTable(ctx, client, cfg.SeedAddr)
		if err != nil {
			logFatal("dhtnode: fetching ranges table from seed %s: %v", cfg.SeedAddr, err)
			return
		}
		table.ReplaceAll(ranges, modIndex)
		log.Printf("dhtnode[%s]: loaded ranges table from seed %s (%d entries, mod_index=%d)", cfg.NodeID, cfg.SeedAddr, len(ranges), modIndex)
	}

	ranges := map[fsrange.ContentClass]*fsrange.Range{}
	for _, class := range fsrange.AllClasses {
		r, err := fsrange.New(cfg.DataDir, class, dhtkey.Min, dhtkey.Max)
		if err != nil {
			logFatal("dhtnode: opening range for class %s: %v", class, err)
			return
		}
		ranges[class] = r
	}

	node := dataops.NewNode(cfg.PublicAddr, cfg.NodeID, ranges, table, client)

	usage := func() int {
		mdb, ok := ranges[fsrange.ClassMasterData]
		if !ok {
			return 0
		}
		pct, err := mdb.EstimatedDataPercents()
		if err != nil {
			return 0
		}
		return int(pct)
	}
	op := operator.New(cfg, cfg.PublicAddr, table, client, usage)

	metaCache, err := usermeta.NewCache(128)
	if err != nil {
		logFatal("dhtnode: creating metadata cache: %v", err)
		return
	}
	defer metaCache.Flush()

	monitor := repair.NewMonitor(node, table, client, cfg, cfg.PublicAddr, ranges[fsrange.ClassMasterData], ranges[fsrange.ClassReplicaData])

	deps := &rpcapi.Deps{
		Node:             node,
		Operator:         op,
		Table:            table,
		Monitor:          monitor,
		Meta:             metaCache,
		Ranges:           ranges,
		NodeName:         cfg.NodeID,
		SelfAddr:         cfg.PublicAddr,
		MetaReplicaCount: cfg.MinReplicaCount,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		handleNodeInfo(op, table, w)
	})
	mux.Handle("/rpc", rpcapi.NewServer(deps))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("dhtnode[%s]: listening on %s (public %s)", cfg.NodeID, cfg.Listen, cfg.PublicAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("dhtnode: listen: %v", err)
		}
	}()

	if err := op.StartAsDHTMember(ctx); err != nil {
		logFatal("dhtnode: joining ring: %v", err)
		return
	}

	go op.RunCheckLocalHashTable(ctx, metaCache.Flush)
	go op.RunMonitorDHTRanges(ctx, monitor.Run)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("dhtnode[%s]: shutting down", cfg.NodeID)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DHTStopTimeout())
	defer shutdownCancel()

	if err := op.StopInherited(shutdownCtx); err != nil {
		log.Printf("dhtnode: handing off local range: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("dhtnode: server shutdown error: %v", err)
	}
	log.Printf("dhtnode[%s]: stopped", cfg.NodeID)
}

// joinExistingTable fetches the seed's current ranges table, retrying
// a few times to absorb the seed's own startup delay the same way the
// teacher's register() retries coordinator registration.
func joinExistingTable(ctx context.Context, client *rpcapi.Client, seedAddr string) ([]rangetable.HashRange, uint64, error) {
	var lastErr error
	for i := 0; i < 10; i++ {
		ranges, modIndex, err := client.GetRangesTable(ctx, seedAddr)
		if err == nil {
			return ranges, modIndex, nil
		}
		lastErr = err
		log.Printf("dhtnode: join retry %d against seed %s: %v", i+1, seedAddr, err)
		time.Sleep(400 * time.Millisecond)
	}
	return nil, 0, fmt.Errorf("dhtnode: exhausted retries: %w", lastErr)
}

// handleNodeInfo reports this node's membership state and local range
// for operator debugging, the dhtnode counterpart of cmd/node's /info.
func handleNodeInfo(op *operator.Operator, table *rangetable.Table, w http.ResponseWriter) {
	start, end, ok := op.LocalRange()
	info := struct {
		State       string `json:"state"`
		HaveLocal   bool   `json:"have_local"`
		LocalStart  string `json:"local_start,omitempty"`
		LocalEnd    string `json:"local_end,omitempty"`
		RangeCount  int    `json:"range_count"`
		ModIndex    uint64 `json:"mod_index"`
	}{
		State:      op.State().String(),
		HaveLocal:  ok,
		RangeCount: table.Count(),
		ModIndex:   table.ModIndex(),
	}
	if ok {
		info.LocalStart = start.String()
		info.LocalEnd = end.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
