package dataops

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
)

// CheckDataBlock verifies a block's header-vs-payload checksum and,
// when expected is supplied, that the stored checksum equals it (spec
// §4.8 "Check"). Remote owners are reached through DataPeer.
func (n *Node) CheckDataBlock(ctx context.Context, key dhtkey.Key, class fsrange.ContentClass, expected *dhtkey.Key) error {
	addr, local, found := n.Owner(key)
	if !found {
		return errNoOwner(key)
	}
	if !local {
		return n.peer.CheckDataBlock(ctx, addr, key, class, expected)
	}

	rng, ok := n.rangeFor(class)
	if !ok {
		return fmt.Errorf("dataops: check_data_block: no local %s range: %w", class, dhterrors.ErrIO)
	}
	path := rng.DBPath(key)
	blk := blockstore.Open(path)
	if !blk.Exists() {
		return fmt.Errorf("dataops: check_data_block %s: %w", key, dhterrors.ErrNoData)
	}

	return blk.WithLock(true, func() error {
		h, err := blk.GetHeader()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("dataops: check_data_block: opening %s: %w", path, dhterrors.ErrIO)
		}
		defer f.Close()
		if _, err := f.Seek(blockstore.HeaderSize, io.SeekStart); err != nil {
			return fmt.Errorf("dataops: check_data_block: seeking past header in %s: %w", path, dhterrors.ErrIO)
		}
		sum, err := blockstore.CheckRawData(f, nil)
		if err != nil {
			return err
		}
		if sum != h.Checksum {
			return fmt.Errorf("dataops: check_data_block %s: header/payload checksum mismatch: %w", key, dhterrors.ErrInvalidDataBlock)
		}
		if expected != nil && sum != *expected {
			return fmt.Errorf("dataops: check_data_block %s: checksum %s does not match expected %s: %w", key, sum, *expected, dhterrors.ErrInvalidDataBlock)
		}
		return nil
	})
}
