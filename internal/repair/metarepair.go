package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

// RepairUserMetadata walks every user-metadata master directory this
// node holds under mmd and, for each configured replica key, verifies
// the replica via CheckDataBlock; on NoData/InvalidData it ships a
// fresh zipped snapshot as a carefully_save PutDataBlock(class=rmd)
// (spec §4.9 "For each user-metadata master (mmd) ..."). replicaCount
// is the fixed metadata replication factor (config.MinReplicaCount):
// unlike a data block's header, a user's mmd directory carries no
// per-entry replica_count of its own, so repair and ClientPutData's
// metadata replication must agree on the same configured constant.
func RepairUserMetadata(ctx context.Context, node *dataops.Node, mmd *fsrange.Range, nodeName string, replicaCount int, report *Report) error {
	if mmd == nil {
		return nil
	}
	users, err := listUserDirs(mmd.Root())
	if err != nil {
		return fmt.Errorf("repair: listing user metadata directories: %w", err)
	}

	for _, uk := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.ProcessedLocalBlocks++
		if err := repairOneUser(ctx, node, mmd, uk, nodeName, replicaCount); err != nil {
			report.FailedRepairForeignBlocks++
			continue
		}
	}
	return nil
}

func repairOneUser(ctx context.Context, node *dataops.Node, mmd *fsrange.Range, uk dhtkey.Key, nodeName string, replicaCount int) error {
	replicas := dhtkey.AllKeys(uk, replicaCount, nodeName)
	var lastErr error
	repaired := false
	for _, rk := range replicas[1:] {
		cerr := node.CheckDataBlock(ctx, rk, fsrange.ClassReplicaMeta, nil)
		if cerr == nil {
			continue
		}
		if !errors.Is(cerr, dhterrors.ErrNoData) && !errors.Is(cerr, dhterrors.ErrInvalidDataBlock) {
			lastErr = cerr
			continue
		}
		if err := shipMetadataSnapshot(ctx, node, mmd, uk, rk, uint8(replicaCount)); err != nil {
			lastErr = err
			continue
		}
		repaired = true
	}
	if lastErr != nil && !repaired {
		return lastErr
	}
	return nil
}

func shipMetadataSnapshot(ctx context.Context, node *dataops.Node, mmd *fsrange.Range, uk, rk dhtkey.Key, replicaCount uint8) error {
	addr, _, found := node.Owner(rk)
	if !found {
		return fmt.Errorf("repair: no owner for metadata replica %s", rk)
	}

	var buf bytes.Buffer
	if err := usermeta.SnapshotDir(mmd.DBPath(uk), &buf); err != nil {
		return fmt.Errorf("repair: snapshotting metadata for %s: %w", uk, err)
	}

	return node.PushReplica(ctx, addr, dataops.PutDataBlockRequest{
		Key: rk, Class: fsrange.ClassReplicaMeta, OwnerHash: uk,
		ReplicaCount: replicaCount, CarefullySave: true,
	}, bytes.NewReader(buf.Bytes()))
}

// listUserDirs walks the two-level hex fanout under root and returns
// every leaf directory whose name parses as a key — each one is a
// user's pebble-backed metadata store (spec §4.3 "mmd/<key>/").
func listUserDirs(root string) ([]dhtkey.Key, error) {
	var out []dhtkey.Key
	top, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, a := range top {
		if !a.IsDir() {
			continue
		}
		mid, err := os.ReadDir(filepath.Join(root, a.Name()))
		if err != nil {
			continue
		}
		for _, b := range mid {
			if !b.IsDir() {
				continue
			}
			leafDir := filepath.Join(root, a.Name(), b.Name())
			leaves, err := os.ReadDir(leafDir)
			if err != nil {
				continue
			}
			for _, leaf := range leaves {
				if !leaf.IsDir() {
					continue
				}
				if k, err := dhtkey.Parse(leaf.Name()); err == nil {
					out = append(out, k)
				}
			}
		}
	}
	return out, nil
}
