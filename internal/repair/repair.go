// Package repair implements RepairProcess and the per-cycle work the
// operator's MonitorDHTRanges background task delegates out: replica
// divergence detection/republish, foreign-block handoff, and disk
// pressure backoff (spec §4.9).
//
// Both halves are built directly on internal/dataops.Node: repair
// never touches a file itself, it walks local content with
// internal/fsrange's Iterate and asks the node to Check/Push/Copy the
// blocks it finds, the same seam the RPC dispatch table uses.
package repair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
)

// maxConcurrentReplicaChecks bounds how many of a single block's other
// expected owners are checked at once (a block's replica_count is
// attacker/user controlled via ClientPut, so this stays bounded rather
// than spawning one goroutine per replica).
const maxConcurrentReplicaChecks = 8

// Report is the §4.9 RepairProcess notification payload: "processed_
// local_blocks, invalid_local_blocks, repaired_foreign_blocks,
// failed_repair_foreign_blocks". Surfaced as an INFO notification with
// topic RepairDataBlocks by whatever calls RepairProcess (internal/
// rpcapi's handler).
type Report struct {
	ProcessedLocalBlocks      int
	InvalidLocalBlocks        int
	RepairedForeignBlocks     int
	FailedRepairForeignBlocks int
}

// add records a single replica-check outcome, called by the per-replica
// goroutines in repairOneBlock while they hold that function's shared
// mutex (Report itself carries no lock) rather than an atomic per-field
// increment.
func (r *Report) add(repaired, failed bool) {
	switch {
	case repaired:
		r.RepairedForeignBlocks++
	case failed:
		r.FailedRepairForeignBlocks++
	}
}

// RepairProcess walks mdb then rdb, and for each data block with a
// valid header reconstructs its full replica key set and checks every
// *other* expected owner, republishing on divergence (spec §4.9,
// first paragraph); it then separately walks mmd, re-shipping a fresh
// metadata snapshot to any replica that fails CheckDataBlock. nodeName
// must be the same cluster-wide name the originating ClientPut used,
// so dhtkey.AllKeys reconstructs the same keys that were actually
// derived; metaReplicaCount is the fixed metadata replication factor
// (config.MinReplicaCount) user directories are replicated under. mmd
// may be nil to skip the metadata pass (e.g. a node that never hosts
// user metadata).
//
// A fatal error (one that stops the walk entirely, as opposed to a
// per-block failure that is merely counted) is returned so the caller
// can surface it as an ALERT rather than the usual INFO notification.
func RepairProcess(ctx context.Context, node *dataops.Node, mdb, rdb, mmd *fsrange.Range, nodeName string, metaReplicaCount int) (Report, error) {
	var report Report
	seen := blockstore.NewKeySet()

	for _, step := range []struct {
		rng   *fsrange.Range
		class fsrange.ContentClass
	}{{mdb, fsrange.ClassMasterData}, {rdb, fsrange.ClassReplicaData}} {
		if step.rng == nil {
			continue
		}
		var walkErr error
		err := step.rng.Iterate(func(k dhtkey.Key, path string) bool {
			if ctx.Err() != nil {
				walkErr = ctx.Err()
				return false
			}
			repairOneBlock(ctx, node, nodeName, k, path, seen, &report)
			return true
		})
		if err != nil {
			return report, fmt.Errorf("repair: walking %s: %w", step.class, err)
		}
		if walkErr != nil {
			return report, fmt.Errorf("repair: %w", walkErr)
		}
	}

	if err := RepairUserMetadata(ctx, node, mmd, nodeName, metaReplicaCount, &report); err != nil {
		return report, fmt.Errorf("repair: user metadata pass: %w", err)
	}

	log.Printf("repair: processed=%d invalid=%d repaired=%d failed=%d",
		report.ProcessedLocalBlocks, report.InvalidLocalBlocks,
		report.RepairedForeignBlocks, report.FailedRepairForeignBlocks)
	return report, nil
}

// repairOneBlock handles one on-disk file: verify its header, skip if
// its master key has already been reconstructed this run (spec §4.9
// "skip locally-synthesized repair moves, tracked in a per-run set"),
// then check and, if needed, repair every other expected replica
// owner.
func repairOneBlock(ctx context.Context, node *dataops.Node, nodeName string, k dhtkey.Key, path string, seen *blockstore.KeySet, report *Report) {
	h, err := blockstore.Open(path).GetHeader()
	if err != nil {
		report.InvalidLocalBlocks++
		return
	}
	report.ProcessedLocalBlocks++

	if !seen.AddIfAbsent(h.MasterKey.String()) {
		return
	}

	keys := dhtkey.AllKeys(h.MasterKey, int(h.ReplicaCount), nodeName)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReplicaChecks)

	for i, rk := range keys {
		if rk == k {
			continue // this is the file we are currently reading
		}
		i, rk := i, rk
		g.Go(func() error {
			checkAndRepairReplica(gctx, node, i, rk, path, h, &mu, report)
			return nil
		})
	}
	_ = g.Wait() // checkAndRepairReplica never returns an error; it only counts outcomes
}

// checkAndRepairReplica handles one of a block's other expected
// replicas: hand off locally if this node also owns it, otherwise ask
// its remote owner to verify and republish on divergence. report is
// shared across a block's concurrent replica checks, so every counter
// update goes through mu.
func checkAndRepairReplica(ctx context.Context, node *dataops.Node, i int, rk dhtkey.Key, path string, h blockstore.Header, mu *sync.Mutex, report *Report) {
	rclass := dataops.ClassForReplicaIndex(i)
	addr, local, found := node.Owner(rk)
	if !found {
		mu.Lock()
		report.add(false, true)
		mu.Unlock()
		return
	}
	if local {
		err := node.RepairLocalCopy(rclass, rk, path, h.OwnerHash, h.StoredUnixtime)
		mu.Lock()
		report.add(err == nil, err != nil)
		mu.Unlock()
		return
	}

	expected := h.Checksum
	cerr := node.CheckDataBlock(ctx, rk, rclass, &expected)
	if cerr == nil {
		return
	}
	if !errors.Is(cerr, dhterrors.ErrNoData) && !errors.Is(cerr, dhterrors.ErrInvalidDataBlock) {
		mu.Lock()
		report.add(false, true)
		mu.Unlock()
		return
	}

	ok := republishOne(ctx, node, addr, rclass, rk, path, h)
	mu.Lock()
	report.add(ok, !ok)
	mu.Unlock()
}

// republishOne pushes path's contents to addr under rclass/rk with
// carefully_save semantics, preserving the original stored_unixtime
// (spec §4.9 "PutDataBlock(carefully_save=true, owner_hash,
// stored_unixtime)").
func republishOne(ctx context.Context, node *dataops.Node, addr string, rclass fsrange.ContentClass, rk dhtkey.Key, path string, h blockstore.Header) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.Seek(blockstore.HeaderSize, io.SeekStart); err != nil {
		return false
	}
	stored := h.StoredUnixtime
	err = node.PushReplica(ctx, addr, dataops.PutDataBlockRequest{
		Key:            rk,
		Class:          rclass,
		OwnerHash:      h.OwnerHash,
		ReplicaCount:   h.ReplicaCount,
		CarefullySave:  true,
		StoredUnixtime: &stored,
	}, f)
	return err == nil
}
