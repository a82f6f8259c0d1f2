package dataops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
)

// ClientPutRequest is the input to ClientPut (spec §4.7).
type ClientPutRequest struct {
	// Key, if non-nil, pins the prime key instead of drawing a random
	// one (the "key" input of §4.7).
	Key             *dhtkey.Key
	ReplicaCount    int
	WaitWritesCount int
	InitBlock       bool
	OwnerHash       dhtkey.Key
	Payload         io.Reader
}

// ClientPutResult is the §4.7 output: {key, checksum, size}.
type ClientPutResult struct {
	Key      dhtkey.Key
	Checksum dhtkey.Key
	Size     int64
}

// ClientPut derives the replica key set, streams the payload into a
// temporary block once, then fans the block out to every derived
// key's owner: local owners get a rename/hardlink of the tmp file,
// remote owners get a PutDataBlock call (synchronous until
// wait_writes_count is met, fire-and-forget afterward). Falling short
// of wait_writes_count returns an error. Prior writes are rolled back
// with a compensating delete only when init_block is set: on such a
// shortfall, or on an AlreadyExists hit mid fan-out (spec §4.7 steps
// 1-6).
func (n *Node) ClientPut(ctx context.Context, req ClientPutRequest) (ClientPutResult, error) {
	tmpRange, ok := n.rangeFor(fsrange.ClassTemporary)
	if !ok {
		return ClientPutResult{}, fmt.Errorf("dataops: client_put: no local tmp range: %w", dhterrors.ErrIO)
	}

	keys, err := dhtkey.GenerateNewKeys(req.Key, n.nodeName, req.ReplicaCount, n.rnd)
	if err != nil {
		return ClientPutResult{}, fmt.Errorf("dataops: client_put: %w", err)
	}

	if req.InitBlock {
		if _, local, found := n.Owner(keys[0]); found && local {
			if mdb, ok := n.rangeFor(fsrange.ClassMasterData); ok {
				if blockstore.Open(mdb.DBPath(keys[0])).Exists() {
					return ClientPutResult{}, fmt.Errorf("dataops: client_put: %w", dhterrors.ErrAlreadyExists)
				}
			}
		}
	}

	tmpPath := tmpRange.DBPath(keys[0]) + "." + uuid.NewString()
	tmpBlk := blockstore.Open(tmpPath)
	wr, err := tmpBlk.Write(req.Payload, keys[0], uint8(req.ReplicaCount), req.OwnerHash)
	if err != nil {
		return ClientPutResult{}, fmt.Errorf("dataops: client_put: staging write: %w", err)
	}
	hdr, err := tmpBlk.GetHeader()
	if err != nil {
		_ = tmpBlk.Remove()
		return ClientPutResult{}, fmt.Errorf("dataops: client_put: reading staged header: %w", err)
	}
	putTime := hdr.StoredUnixtime

	type localTarget struct {
		key   dhtkey.Key
		class fsrange.ContentClass
	}
	var locals []localTarget
	var errs []error
	successes := 0
	var asyncWG sync.WaitGroup

	for i, key := range keys {
		class := classForIndex(i)
		addr, local, found := n.Owner(key)
		if !found {
			errs = append(errs, errNoOwner(key))
			continue
		}
		if local {
			locals = append(locals, localTarget{key, class})
			continue
		}

		preq := PutDataBlockRequest{
			Key:            key,
			Class:          class,
			OwnerHash:      req.OwnerHash,
			ReplicaCount:   uint8(req.ReplicaCount),
			InitBlock:      req.InitBlock,
			CarefullySave:  !req.InitBlock,
			StoredUnixtime: &putTime,
		}

		if successes >= req.WaitWritesCount {
			link, lerr := tmpBlk.Hardlink()
			if lerr != nil {
				errs = append(errs, lerr)
				continue
			}
			asyncWG.Add(1)
			go func(addr, link string, preq PutDataBlockRequest) {
				defer asyncWG.Done()
				defer os.Remove(link)
				f, ferr := os.Open(link)
				if ferr != nil {
					return
				}
				defer f.Close()
				_ = n.peer.PutDataBlock(context.Background(), addr, preq, f)
			}(addr, link, preq)
			continue
		}

		f, operr := os.Open(tmpPath)
		if operr != nil {
			errs = append(errs, fmt.Errorf("dataops: client_put: reopening staged block: %w", dhterrors.ErrIO))
			continue
		}
		perr := n.peer.PutDataBlock(ctx, addr, preq, f)
		f.Close()
		if perr != nil {
			if req.InitBlock && errors.Is(perr, dhterrors.ErrAlreadyExists) {
				asyncWG.Wait()
				_ = tmpBlk.Remove()
				n.compensateDelete(keys, req.OwnerHash)
				return ClientPutResult{}, fmt.Errorf("dataops: client_put: %w", dhterrors.ErrAlreadyExists)
			}
			errs = append(errs, perr)
			continue
		}
		successes++
	}

	if len(locals) == 0 {
		_ = tmpBlk.Remove()
	} else {
		for _, t := range locals[:len(locals)-1] {
			rng, _ := n.rangeFor(t.class)
			if err := n.localSave(tmpPath, rng.DBPath(t.key), req.InitBlock, req.OwnerHash, putTime, true); err != nil {
				errs = append(errs, err)
				continue
			}
			successes++
		}
		last := locals[len(locals)-1]
		lastRng, _ := n.rangeFor(last.class)
		if err := n.localSave(tmpPath, lastRng.DBPath(last.key), req.InitBlock, req.OwnerHash, putTime, false); err != nil {
			errs = append(errs, err)
		} else {
			successes++
		}
	}

	asyncWG.Wait()

	if successes < req.WaitWritesCount {
		if req.InitBlock {
			n.compensateDelete(keys, req.OwnerHash)
		}
		return ClientPutResult{}, fmt.Errorf("dataops: client_put: only %d/%d writes succeeded (%w): %w",
			successes, req.WaitWritesCount, errors.Join(errs...), dhterrors.ErrIO)
	}

	return ClientPutResult{Key: keys[0], Checksum: wr.Checksum, Size: wr.Size}, nil
}

// localSave installs the staged tmp block at path, honoring
// carefully_save semantics (owner-hash and stored-time checks) unless
// initBlock is set (spec §4.7 step 5). keepSource hardlinks the tmp
// file so later local targets can still use it; the final target
// takes ownership via rename.
func (n *Node) localSave(tmpPath, path string, initBlock bool, ownerHash dhtkey.Key, storedTime float64, keepSource bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dataops: local_save: mkdir %s: %w", filepath.Dir(path), dhterrors.ErrIO)
	}
	blk := blockstore.Open(path)
	return blk.WithLock(false, func() error {
		if blk.Exists() {
			if initBlock {
				return fmt.Errorf("dataops: local_save %s: %w", path, dhterrors.ErrAlreadyExists)
			}
			existing, err := blk.GetHeader()
			if err == nil {
				t := storedTime
				if merr := existing.Match(blockstore.MatchOptions{OwnerHash: &ownerHash, NotOlder: &t}); merr != nil {
					return merr
				}
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("dataops: local_save: replacing %s: %w", path, dhterrors.ErrIO)
			}
		}
		if keepSource {
			if err := os.Link(tmpPath, path); err != nil {
				return fmt.Errorf("dataops: local_save: link %s: %w", path, dhterrors.ErrIO)
			}
			return nil
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("dataops: local_save: rename %s: %w", path, dhterrors.ErrIO)
		}
		return nil
	})
}

// PushReplica sends a single block to addr's owner, routing locally
// when addr is this node. internal/repair uses this for both the
// §4.9 republish-on-divergence step and the foreign-handoff loop, so
// neither has to special-case "the target happens to be me".
func (n *Node) PushReplica(ctx context.Context, addr string, req PutDataBlockRequest, body io.Reader) error {
	if addr == n.selfAddr {
		return n.PutDataBlock(ctx, req, body)
	}
	return n.peer.PutDataBlock(ctx, addr, req, body)
}

// RepairLocalCopy hardlinks srcPath (an already-verified local block)
// into dstClass/dstKey if not already present, used when repair finds
// that another expected replica of a block it holds is also owned
// locally — "if the remote owner is this node, copy locally between
// classes instead" (spec §4.9). A no-op if the destination already
// exists: repair re-runs periodically and should not redo settled
// work.
func (n *Node) RepairLocalCopy(dstClass fsrange.ContentClass, dstKey dhtkey.Key, srcPath string, ownerHash dhtkey.Key, storedUnixtime float64) error {
	rng, ok := n.rangeFor(dstClass)
	if !ok {
		return fmt.Errorf("dataops: repair_local_copy: no local %s range: %w", dstClass, dhterrors.ErrIO)
	}
	dst := rng.DBPath(dstKey)
	if blockstore.Open(dst).Exists() {
		return nil
	}
	return n.localSave(srcPath, dst, false, ownerHash, storedUnixtime, true)
}

// compensateDelete issues the §4.7 step-6 compensating
// ClientDeleteData across every derived key, best-effort — failures
// here are not surfaced, since the put itself is already failing.
func (n *Node) compensateDelete(keys []dhtkey.Key, ownerHash dhtkey.Key) {
	n.ClientDelete(context.Background(), keys, ownerHash)
}

// PutDataBlock is the single-replica store handler: internal/rpcapi's
// dispatch table, the replica fan-out above, and internal/repair's
// republish path all funnel through here (spec §4.7 step 4, §4.9
// carefully_save pushes).
func (n *Node) PutDataBlock(ctx context.Context, req PutDataBlockRequest, body io.Reader) error {
	rng, ok := n.rangeFor(req.Class)
	if !ok {
		return fmt.Errorf("dataops: put_data_block: no local %s range: %w", req.Class, dhterrors.ErrIO)
	}
	path := rng.DBPath(req.Key)
	blk := blockstore.Open(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dataops: put_data_block: mkdir %s: %w", filepath.Dir(path), dhterrors.ErrIO)
	}
	return blk.WithLock(false, func() error {
		if req.InitBlock && blk.Exists() {
			return fmt.Errorf("dataops: put_data_block %s: %w", req.Key, dhterrors.ErrAlreadyExists)
		}
		if req.CarefullySave && blk.Exists() {
			existing, err := blk.GetHeader()
			if err == nil {
				opt := blockstore.MatchOptions{OwnerHash: &req.OwnerHash}
				if req.StoredUnixtime != nil {
					opt.NotOlder = req.StoredUnixtime
				}
				if merr := existing.Match(opt); merr != nil {
					return merr
				}
			}
		}
		if req.StoredUnixtime != nil {
			_, err := blk.WriteAt(body, blockstore.Header{
				StoredUnixtime: *req.StoredUnixtime,
				MasterKey:      req.Key,
				ReplicaCount:   req.ReplicaCount,
				OwnerHash:      req.OwnerHash,
			})
			return err
		}
		_, err := blk.Write(body, req.Key, req.ReplicaCount, req.OwnerHash)
		return err
	})
}
