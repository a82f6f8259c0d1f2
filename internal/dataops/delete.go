package dataops

import (
	"context"
	"fmt"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
)

// ClientDeleteResult reports, per derived key, the failure (if any)
// encountered fanning a delete out to its owner. A key absent from
// Errors deleted cleanly. The master's delete is not special-cased
// (spec §4.8 "Delete").
type ClientDeleteResult struct {
	Errors map[dhtkey.Key]error
}

// Failed reports whether any replica's delete failed.
func (r ClientDeleteResult) Failed() bool { return len(r.Errors) > 0 }

// ClientDelete fans DeleteDataBlock out to every derived key's
// current owner, local or remote, collecting partial failures rather
// than stopping at the first one (spec §4.8 "Delete").
func (n *Node) ClientDelete(ctx context.Context, keys []dhtkey.Key, ownerHash dhtkey.Key) ClientDeleteResult {
	result := ClientDeleteResult{Errors: map[dhtkey.Key]error{}}
	for i, key := range keys {
		class := classForIndex(i)
		addr, local, found := n.Owner(key)
		if !found {
			result.Errors[key] = errNoOwner(key)
			continue
		}
		var err error
		if local {
			err = n.DeleteDataBlock(ctx, key, class, ownerHash)
		} else {
			err = n.peer.DeleteDataBlock(ctx, addr, key, class, ownerHash)
		}
		if err != nil {
			result.Errors[key] = err
		}
	}
	return result
}

// DeleteDataBlock is the single-replica delete handler: verifies
// ownership then unlinks idempotently, with no trash (spec §4.8
// "Each target verifies owner and unlinks (no trash)").
func (n *Node) DeleteDataBlock(ctx context.Context, key dhtkey.Key, class fsrange.ContentClass, ownerHash dhtkey.Key) error {
	rng, ok := n.rangeFor(class)
	if !ok {
		return fmt.Errorf("dataops: delete_data_block: no local %s range: %w", class, dhterrors.ErrIO)
	}
	path := rng.DBPath(key)
	blk := blockstore.Open(path)
	if !blk.Exists() {
		return nil
	}
	return blk.WithLock(false, func() error {
		h, err := blk.GetHeader()
		if err == nil {
			if merr := h.Match(blockstore.MatchOptions{OwnerHash: &ownerHash}); merr != nil {
				return merr
			}
		}
		return blk.Remove()
	})
}
