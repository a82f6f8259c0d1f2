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

// Get tries each derived key in order until one GetDataBlock succeeds,
// matching spec §4.7's read-path note: "Read is symmetric: for each
// candidate key, try GetDataBlock on its current owner until success."
func (n *Node) Get(ctx context.Context, keys []dhtkey.Key, ownerHash *dhtkey.Key) (blockstore.Header, io.ReadCloser, error) {
	var lastErr error
	for i, key := range keys {
		h, body, err := n.GetDataBlock(ctx, key, classForIndex(i), ownerHash)
		if err == nil {
			return h, body, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dataops: get: no candidate keys: %w", dhterrors.ErrNoData)
	}
	return blockstore.Header{}, nil, lastErr
}

// GetDataBlock reads one data block by key/class, verifying ownership
// when ownerHash is supplied (spec §4.8 "Get"). Remote owners are
// reached through DataPeer; the returned ReadCloser's Close releases
// the shared lock on a local hit.
func (n *Node) GetDataBlock(ctx context.Context, key dhtkey.Key, class fsrange.ContentClass, ownerHash *dhtkey.Key) (blockstore.Header, io.ReadCloser, error) {
	addr, local, found := n.Owner(key)
	if !found {
		return blockstore.Header{}, nil, errNoOwner(key)
	}
	if !local {
		return n.peer.GetDataBlock(ctx, addr, key, class, ownerHash)
	}

	rng, ok := n.rangeFor(class)
	if !ok {
		return blockstore.Header{}, nil, fmt.Errorf("dataops: get_data_block: no local %s range: %w", class, dhterrors.ErrIO)
	}
	path := rng.DBPath(key)
	blk := blockstore.Open(path)
	if !blk.Exists() {
		return blockstore.Header{}, nil, fmt.Errorf("dataops: get_data_block %s: %w", key, dhterrors.ErrNoData)
	}
	if err := blk.Block(true); err != nil {
		return blockstore.Header{}, nil, err
	}

	h, err := blk.GetHeader()
	if err != nil {
		_ = blk.Unblock()
		return blockstore.Header{}, nil, err
	}
	if ownerHash != nil {
		if err := h.Match(blockstore.MatchOptions{OwnerHash: ownerHash}); err != nil {
			_ = blk.Unblock()
			return blockstore.Header{}, nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		_ = blk.Unblock()
		return blockstore.Header{}, nil, fmt.Errorf("dataops: get_data_block: opening %s: %w", path, dhterrors.ErrIO)
	}
	if _, err := f.Seek(blockstore.HeaderSize, io.SeekStart); err != nil {
		f.Close()
		_ = blk.Unblock()
		return blockstore.Header{}, nil, fmt.Errorf("dataops: get_data_block: seeking past header in %s: %w", path, dhterrors.ErrIO)
	}

	return h, &lockedBody{f: f, blk: blk}, nil
}

// lockedBody streams a data block's payload and releases the shared
// lock acquired by GetDataBlock when the caller is done reading.
type lockedBody struct {
	f   *os.File
	blk *blockstore.DataBlock
}

func (b *lockedBody) Read(p []byte) (int, error) { return b.f.Read(p) }

func (b *lockedBody) Close() error {
	err := b.f.Close()
	if uerr := b.blk.Unblock(); err == nil {
		err = uerr
	}
	return err
}
