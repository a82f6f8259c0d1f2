package rpcapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/transport"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

// metaDir resolves the on-disk metadata store directory for a user, the
// same layout internal/repair's metadata repair walk uses: the user's
// key's own master-metadata path under this node's mmd range. The
// directory is created on first use, the same lazily-create-the-parent
// pattern internal/dataops's localSave/PutDataBlock use for block
// paths.
func metaDir(deps *Deps, ownerHash dhtkey.Key) (string, error) {
	mmd, ok := deps.Ranges[fsrange.ClassMasterMeta]
	if !ok {
		return "", fmt.Errorf("rpcapi: no local metadata range: %w", dhterrors.ErrIO)
	}
	dir := mmd.DBPath(ownerHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("rpcapi: creating metadata directory %s: %w", dir, dhterrors.ErrIO)
	}
	return dir, nil
}

func handleGetKeysInfo(_ context.Context, deps *Deps, req transport.Request) transport.Response {
	var p getKeysInfoParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	store, err := deps.Meta.Get(dir)
	if err != nil {
		return errResponse(err)
	}
	info, err := store.GetUserInfo()
	if err != nil {
		return errResponse(err)
	}
	return okResponse(userInfoToWire(info), nil)
}

func handleUpdateUserProfile(_ context.Context, deps *Deps, req transport.Request) transport.Response {
	var p updateUserProfileParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	store, err := deps.Meta.Get(dir)
	if err != nil {
		return errResponse(err)
	}
	if err := store.UpdateUserInfo(wireToUserInfo(p.Info)); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

func handleUpdateMetadata(_ context.Context, deps *Deps, req transport.Request) transport.Response {
	var p updateMetadataParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	store, err := deps.Meta.Get(dir)
	if err != nil {
		return errResponse(err)
	}
	if len(p.Blocks) == 0 {
		if err := store.MakePath(p.Path); err != nil {
			return errResponse(err)
		}
		return okResponse(nil, nil)
	}
	blocks := make([]usermeta.DataBlockInfo, len(p.Blocks))
	for i, b := range p.Blocks {
		blocks[i] = usermeta.DataBlockInfo{DBKey: b.DBKey, ReplicaCount: b.ReplicaCount, Seek: b.Seek, Size: b.Size}
	}
	if err := store.UpdatePath(p.Path, blocks); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

// handleRestoreMetadata overwrites a user's metadata store from a
// zipped snapshot in usermeta.SnapshotDir's format, streamed as the
// request's BinaryData and unpacked with usermeta.RestoreSnapshot.
// internal/repair's shipMetadataSnapshot does not call this method: it
// pushes its snapshots as rmd blocks through PutDataBlock. The cache entry for
// dir, if any, is evicted first so a stale open pebble handle isn't
// left pointing at files about to be overwritten out from under it.
func handleRestoreMetadata(_ context.Context, deps *Deps, req transport.Request) transport.Response {
	var p restoreMetadataParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	deps.Meta.Evict(dir)

	buf, err := io.ReadAll(requestBody(req))
	if err != nil {
		return errResponse(fmt.Errorf("rpcapi: restore_metadata: reading snapshot: %w", dhterrors.ErrIO))
	}
	if err := usermeta.RestoreSnapshot(bytes.NewReader(buf), int64(len(buf)), dir); err != nil {
		return errResponse(err)
	}
	return okResponse(nil, nil)
}

// handlePutObjectPart stores the request's payload as one new data
// block (via dataops.ClientPut, the replicated write path) and then
// registers that block against the user's path in their metadata store
// (spec §4.5's object layer sitting atop spec §4.7's replicated block
// layer).
func handlePutObjectPart(ctx context.Context, deps *Deps, req transport.Request) transport.Response {
	var p putObjectPartParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	store, err := deps.Meta.Get(dir)
	if err != nil {
		return errResponse(err)
	}

	putRes, err := deps.Node.ClientPut(ctx, dataops.ClientPutRequest{
		ReplicaCount:    p.ReplicaCount,
		WaitWritesCount: p.WaitWritesCount,
		OwnerHash:       p.OwnerHash,
		Payload:         requestBody(req),
	})
	if err != nil {
		return errResponse(err)
	}

	block := usermeta.DataBlockInfo{
		DBKey:        putRes.Key,
		ReplicaCount: uint8(p.ReplicaCount),
		Seek:         p.Seek,
		Size:         putRes.Size,
	}
	if err := store.UpdatePath(p.Path, []usermeta.DataBlockInfo{block}); err != nil {
		return errResponse(err)
	}

	return okResponse(putObjectPartResult{Key: putRes.Key, Checksum: putRes.Checksum, Size: putRes.Size}, nil)
}

func handleGetObjectInfo(_ context.Context, deps *Deps, req transport.Request) transport.Response {
	var p getObjectInfoParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return errResponse(err)
	}
	dir, err := metaDir(deps, p.OwnerHash)
	if err != nil {
		return errResponse(err)
	}
	store, err := deps.Meta.Get(dir)
	if err != nil {
		return errResponse(err)
	}
	pathInfo, err := store.GetPathInfo(p.Path)
	if err != nil {
		return errResponse(err)
	}
	blocks, err := store.GetDataBlocks(p.Path)
	if err != nil {
		return errResponse(err)
	}
	wireBlocks := make([]dataBlockInfoWire, len(blocks))
	for i, b := range blocks {
		wireBlocks[i] = dataBlockInfoWire{DBKey: b.DBKey, ReplicaCount: b.ReplicaCount, Seek: b.Seek, Size: b.Size}
	}
	return okResponse(getObjectInfoResult{
		Name:          pathInfo.Name,
		Type:          uint8(pathInfo.Type),
		RecursiveSize: pathInfo.RecursiveSize,
		Children:      pathInfo.Children,
		Blocks:        wireBlocks,
	}, nil)
}
