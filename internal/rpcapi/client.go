package rpcapi

import (
	"context"
	"fmt"
	"io"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/repair"
	"github.com/dreamware/fabnetdht/internal/transport"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

// Client is the production implementation of operator.Peer,
// dataops.DataPeer and repair.RangePeer, all three seams every one of
// those packages' tests instead fill with a fake. Every method builds a
// transport.Request and dispatches it with Call (small, parameter-only
// calls) or CallStream (calls moving a block payload), the same split
// internal/transport itself draws.
type Client struct {
	SelfAddr string
}

// NewClient returns a Client that identifies itself as selfAddr on
// every outbound call's Sender field.
func NewClient(selfAddr string) *Client {
	return &Client{SelfAddr: selfAddr}
}

func url(addr string) string { return "http://" + addr + "/rpc" }

func (c *Client) call(ctx context.Context, addr, method string, role transport.Role, params interface{}) (transport.Response, error) {
	resp, err := transport.Call(ctx, url(addr), transport.Request{
		Method:     method,
		Parameters: encodeParams(params),
		Sync:       true,
		Sender:     c.SelfAddr,
		Role:       role,
	})
	if err != nil {
		return transport.Response{}, fmt.Errorf("rpcapi: %s to %s: %w", method, addr, dhterrors.ErrTransport)
	}
	return resp, nil
}

func (c *Client) callStream(ctx context.Context, addr, method string, role transport.Role, params interface{}, body io.Reader) (transport.Response, func() error, error) {
	resp, closeBody, err := transport.CallStream(ctx, url(addr), transport.Request{
		Method:     method,
		Parameters: encodeParams(params),
		Sync:       true,
		Sender:     c.SelfAddr,
		Role:       role,
		BinaryData: body,
	})
	if err != nil {
		return transport.Response{}, nil, fmt.Errorf("rpcapi: %s to %s: %w", method, addr, dhterrors.ErrTransport)
	}
	return resp, closeBody, nil
}

// --- dataops.DataPeer ---

func (c *Client) PutDataBlock(ctx context.Context, addr string, req dataops.PutDataBlockRequest, body io.Reader) error {
	resp, closeBody, err := c.callStream(ctx, addr, "PutDataBlock", transport.RolePeer, putParams{
		Key:            req.Key,
		Class:          req.Class,
		OwnerHash:      req.OwnerHash,
		ReplicaCount:   req.ReplicaCount,
		InitBlock:      req.InitBlock,
		CarefullySave:  req.CarefullySave,
		StoredUnixtime: req.StoredUnixtime,
	}, body)
	if err != nil {
		return err
	}
	defer closeBody()
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "put_data_block: "+resp.RetMessage)
	}
	return nil
}

func (c *Client) GetDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash *dhtkey.Key) (blockstore.Header, io.ReadCloser, error) {
	resp, closeBody, err := c.callStream(ctx, addr, "GetDataBlock", transport.RolePeer, getParams{
		Key: key, Class: class, OwnerHash: ownerHash,
	}, nil)
	if err != nil {
		return blockstore.Header{}, nil, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		closeBody()
		return blockstore.Header{}, nil, codeToErr(dhterrors.Code(resp.RetCode), "get_data_block: "+resp.RetMessage)
	}
	var w headerWire
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		closeBody()
		return blockstore.Header{}, nil, err
	}
	return wireToHeader(w), &streamBody{r: resp.BinaryData, closeFn: closeBody}, nil
}

func (c *Client) DeleteDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash dhtkey.Key) error {
	resp, err := c.call(ctx, addr, "DeleteDataBlock", transport.RolePeer, deleteParams{Key: key, Class: class, OwnerHash: ownerHash})
	if err != nil {
		return err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "delete_data_block: "+resp.RetMessage)
	}
	return nil
}

func (c *Client) CheckDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, expected *dhtkey.Key) error {
	resp, err := c.call(ctx, addr, "CheckDataBlock", transport.RolePeer, checkParams{Key: key, Class: class, Expected: expected})
	if err != nil {
		return err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "check_data_block: "+resp.RetMessage)
	}
	return nil
}

// --- operator.Peer ---

func (c *Client) CheckHashRangeTable(ctx context.Context, addr string, req operator.CheckRequest) (operator.CheckResponse, error) {
	resp, err := c.call(ctx, addr, "CheckHashRangeTable", transport.RolePeer, checkRequestToWire(req))
	if err != nil {
		return operator.CheckResponse{}, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return operator.CheckResponse{}, codeToErr(dhterrors.Code(resp.RetCode), "check_hash_range_table: "+resp.RetMessage)
	}
	var w checkHashResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return operator.CheckResponse{}, err
	}
	return operator.CheckResponse{
		Code:        dhterrors.Code(w.Code),
		ModIndex:    w.ModIndex,
		RangesCount: w.RangesCount,
		Force:       w.Force,
		Message:     w.Message,
	}, nil
}

func (c *Client) GetRangesTable(ctx context.Context, addr string) ([]rangetable.HashRange, uint64, error) {
	resp, err := c.call(ctx, addr, "GetRangesTable", transport.RolePeer, nil)
	if err != nil {
		return nil, 0, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return nil, 0, codeToErr(dhterrors.Code(resp.RetCode), "get_ranges_table: "+resp.RetMessage)
	}
	var t rangetable.Table
	if err := t.Load(resp.RetParameters); err != nil {
		return nil, 0, fmt.Errorf("rpcapi: get_ranges_table: decoding table: %w", err)
	}
	var ranges []rangetable.HashRange
	t.IterTable(func(r rangetable.HashRange) bool {
		ranges = append(ranges, r)
		return true
	})
	return ranges, t.ModIndex(), nil
}

func (c *Client) UpdateHashRangeTable(ctx context.Context, addr string, add, remove []rangetable.HashRange) error {
	resp, err := c.call(ctx, addr, "UpdateHashRangeTable", transport.RolePeer, updateHashParams{Add: add, Remove: remove})
	if err != nil {
		return err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "update_hash_range_table: "+resp.RetMessage)
	}
	return nil
}

func (c *Client) SplitRangeRequest(ctx context.Context, addr string, mid dhtkey.Key) (bool, error) {
	resp, err := c.call(ctx, addr, "SplitRangeRequest", transport.RolePeer, splitRangeParams{Mid: mid})
	if err != nil {
		return false, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return false, codeToErr(dhterrors.Code(resp.RetCode), "split_range_request: "+resp.RetMessage)
	}
	var w splitRangeResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return false, err
	}
	return w.Accepted, nil
}

// SplitRangeCancel is not part of operator.Peer (no join-routine path
// currently issues a cancel), but is exposed here for an admin tool or
// future caller to reverse a grant explicitly.
func (c *Client) SplitRangeCancel(ctx context.Context, addr string, start, mid, end dhtkey.Key) error {
	resp, err := c.call(ctx, addr, "SplitRangeCancel", transport.RolePeer, splitRangeCancelParams{Start: start, Mid: mid, End: end})
	if err != nil {
		return err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "split_range_cancel: "+resp.RetMessage)
	}
	return nil
}

// --- client-facing object and admin operations, used directly by dhtctl ---

func (c *Client) ClientPutData(ctx context.Context, addr string, req dataops.ClientPutRequest, body io.Reader) (dataops.ClientPutResult, error) {
	resp, closeBody, err := c.callStream(ctx, addr, "ClientPutData", transport.RoleClient, clientPutParams{
		Key:             req.Key,
		ReplicaCount:    req.ReplicaCount,
		WaitWritesCount: req.WaitWritesCount,
		InitBlock:       req.InitBlock,
		OwnerHash:       req.OwnerHash,
	}, body)
	if err != nil {
		return dataops.ClientPutResult{}, err
	}
	defer closeBody()
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return dataops.ClientPutResult{}, codeToErr(dhterrors.Code(resp.RetCode), "client_put_data: "+resp.RetMessage)
	}
	var w clientPutResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return dataops.ClientPutResult{}, err
	}
	return dataops.ClientPutResult{Key: w.Key, Checksum: w.Checksum, Size: w.Size}, nil
}

func (c *Client) ClientDeleteData(ctx context.Context, addr string, keys []dhtkey.Key, ownerHash dhtkey.Key) (bool, map[string]string, error) {
	resp, err := c.call(ctx, addr, "ClientDeleteData", transport.RoleClient, clientDeleteParams{Keys: keys, OwnerHash: ownerHash})
	if err != nil {
		return false, nil, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return false, nil, codeToErr(dhterrors.Code(resp.RetCode), "client_delete_data: "+resp.RetMessage)
	}
	var w clientDeleteResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return false, nil, err
	}
	return w.Failed, w.Errors, nil
}

func (c *Client) GetKeysInfo(ctx context.Context, addr string, ownerHash dhtkey.Key) (usermeta.UserInfo, error) {
	resp, err := c.call(ctx, addr, "GetKeysInfo", transport.RoleClient, getKeysInfoParams{OwnerHash: ownerHash})
	if err != nil {
		return usermeta.UserInfo{}, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return usermeta.UserInfo{}, codeToErr(dhterrors.Code(resp.RetCode), "get_keys_info: "+resp.RetMessage)
	}
	var w userInfoWire
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return usermeta.UserInfo{}, err
	}
	return wireToUserInfo(w), nil
}

func (c *Client) UpdateUserProfile(ctx context.Context, addr string, info usermeta.UserInfo) error {
	resp, err := c.call(ctx, addr, "UpdateUserProfile", transport.RoleClient, updateUserProfileParams{
		OwnerHash: info.OwnerHash,
		Info:      userInfoToWire(info),
	})
	if err != nil {
		return err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return codeToErr(dhterrors.Code(resp.RetCode), "update_user_profile: "+resp.RetMessage)
	}
	return nil
}

func (c *Client) PutObjectPart(ctx context.Context, addr string, ownerHash dhtkey.Key, path string, seek int64, replicaCount, waitWritesCount int, body io.Reader) (dhtkey.Key, dhtkey.Key, int64, error) {
	resp, closeBody, err := c.callStream(ctx, addr, "PutObjectPart", transport.RoleClient, putObjectPartParams{
		OwnerHash:       ownerHash,
		Path:            path,
		Seek:            seek,
		ReplicaCount:    replicaCount,
		WaitWritesCount: waitWritesCount,
	}, body)
	if err != nil {
		return dhtkey.Key{}, dhtkey.Key{}, 0, err
	}
	defer closeBody()
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return dhtkey.Key{}, dhtkey.Key{}, 0, codeToErr(dhterrors.Code(resp.RetCode), "put_object_part: "+resp.RetMessage)
	}
	var w putObjectPartResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return dhtkey.Key{}, dhtkey.Key{}, 0, err
	}
	return w.Key, w.Checksum, w.Size, nil
}

func (c *Client) GetObjectInfo(ctx context.Context, addr string, ownerHash dhtkey.Key, path string) (usermeta.PathInfo, []usermeta.DataBlockInfo, error) {
	resp, err := c.call(ctx, addr, "GetObjectInfo", transport.RoleClient, getObjectInfoParams{OwnerHash: ownerHash, Path: path})
	if err != nil {
		return usermeta.PathInfo{}, nil, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return usermeta.PathInfo{}, nil, codeToErr(dhterrors.Code(resp.RetCode), "get_object_info: "+resp.RetMessage)
	}
	var w getObjectInfoResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return usermeta.PathInfo{}, nil, err
	}
	blocks := make([]usermeta.DataBlockInfo, len(w.Blocks))
	for i, b := range w.Blocks {
		blocks[i] = usermeta.DataBlockInfo{DBKey: b.DBKey, ReplicaCount: b.ReplicaCount, Seek: b.Seek, Size: b.Size}
	}
	return usermeta.PathInfo{
		Name:          w.Name,
		Type:          usermeta.ItemType(w.Type),
		RecursiveSize: w.RecursiveSize,
		Children:      w.Children,
	}, blocks, nil
}

// NodeStatistic reports addr's free-space headroom per content class.
func (c *Client) NodeStatistic(ctx context.Context, addr string) (nodeName string, classesFreePercent map[string]float64, err error) {
	resp, err := c.call(ctx, addr, "NodeStatistic", transport.RoleClient, nil)
	if err != nil {
		return "", nil, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return "", nil, codeToErr(dhterrors.Code(resp.RetCode), "node_statistic: "+resp.RetMessage)
	}
	var w nodeStatisticResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return "", nil, err
	}
	return w.NodeName, w.Classes, nil
}

// RepairDataBlocks triggers addr's repair pass synchronously and
// returns its report.
func (c *Client) RepairDataBlocks(ctx context.Context, addr string) (report repair.Report, err error) {
	resp, err := c.call(ctx, addr, "RepairDataBlocks", transport.RoleClient, nil)
	if err != nil {
		return repair.Report{}, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return repair.Report{}, codeToErr(dhterrors.Code(resp.RetCode), "repair_data_blocks: "+resp.RetMessage)
	}
	var w repairDataBlocksResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return repair.Report{}, err
	}
	return repair.Report{
		ProcessedLocalBlocks:      w.ProcessedLocalBlocks,
		InvalidLocalBlocks:        w.InvalidLocalBlocks,
		RepairedForeignBlocks:     w.RepairedForeignBlocks,
		FailedRepairForeignBlocks: w.FailedRepairForeignBlocks,
	}, nil
}

// --- repair.RangePeer ---

func (c *Client) PullSubrangeRequest(ctx context.Context, addr string, start, end dhtkey.Key) (bool, error) {
	resp, err := c.call(ctx, addr, "PullSubrangeRequest", transport.RolePeer, pullSubrangeParams{Start: start, End: end})
	if err != nil {
		return false, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		return false, codeToErr(dhterrors.Code(resp.RetCode), "pull_subrange_request: "+resp.RetMessage)
	}
	var w pullSubrangeResult
	if err := decodeParams(resp.RetParameters, &w); err != nil {
		return false, err
	}
	return w.Accepted, nil
}

// GetRangeData fetches a zipped archive of every block in [start,end]
// under class from addr, for a node absorbing a handed-off subrange
// (spec §4.9) to materialize it locally. Returned ReadCloser streams
// the zip; the caller is responsible for unpacking it (e.g. via
// archive/zip directly, mirroring usermeta.RestoreSnapshot's approach)
// and for Close.
func (c *Client) GetRangeData(ctx context.Context, addr string, start, end dhtkey.Key, class fsrange.ContentClass) (io.ReadCloser, error) {
	resp, closeBody, err := c.callStream(ctx, addr, "GetRangeDataRequest", transport.RolePeer,
		rangeDataParams{Start: start, End: end, Class: class}, nil)
	if err != nil {
		return nil, err
	}
	if dhterrors.Code(resp.RetCode) != dhterrors.OK {
		closeBody()
		return nil, codeToErr(dhterrors.Code(resp.RetCode), "get_range_data_request: "+resp.RetMessage)
	}
	return &streamBody{r: resp.BinaryData, closeFn: closeBody}, nil
}

// streamBody adapts a transport.Response's BinaryData plus its
// connection-closing func into a single io.ReadCloser.
type streamBody struct {
	r       io.Reader
	closeFn func() error
}

func (s *streamBody) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *streamBody) Close() error                { return s.closeFn() }
