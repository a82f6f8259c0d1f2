package dataops

import (
	"context"
	"io"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
)

// PutDataBlockRequest carries everything a PutDataBlock call needs
// beyond the payload stream itself.
type PutDataBlockRequest struct {
	Key           dhtkey.Key
	Class         fsrange.ContentClass
	OwnerHash     dhtkey.Key
	ReplicaCount  uint8
	InitBlock     bool
	CarefullySave bool
	// StoredUnixtime, when set, is stamped into the header verbatim
	// instead of the write being timestamped "now" — used by
	// carefully_save replica pushes (spec §4.9) that republish a block
	// under its original stored time.
	StoredUnixtime *float64
}

// DataPeer is the remote side of the data plane: the subset of the
// wire methods in spec §6 a Node needs to reach an owner that is not
// itself. internal/rpcapi provides the production implementation over
// internal/transport; tests supply fakes.
type DataPeer interface {
	PutDataBlock(ctx context.Context, addr string, req PutDataBlockRequest, body io.Reader) error
	GetDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash *dhtkey.Key) (blockstore.Header, io.ReadCloser, error)
	DeleteDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash dhtkey.Key) error
	CheckDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, expected *dhtkey.Key) error
}
