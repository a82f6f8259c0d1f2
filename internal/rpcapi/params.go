package rpcapi

import (
	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/operator"
	"github.com/dreamware/fabnetdht/internal/rangetable"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

// putParams is PutDataBlock's wire request: the payload itself travels
// as the framed call's BinaryData, never inlined here.
type putParams struct {
	Key            dhtkey.Key            `json:"key"`
	Class          fsrange.ContentClass  `json:"class"`
	OwnerHash      dhtkey.Key            `json:"owner_hash"`
	ReplicaCount   uint8                 `json:"replica_count"`
	InitBlock      bool                  `json:"init_block"`
	CarefullySave  bool                  `json:"carefully_save"`
	StoredUnixtime *float64              `json:"stored_unixtime,omitempty"`
}

type getParams struct {
	Key       dhtkey.Key            `json:"key"`
	Class     fsrange.ContentClass  `json:"class"`
	OwnerHash *dhtkey.Key           `json:"owner_hash,omitempty"`
}

// headerWire is blockstore.Header's wire shape, returned alongside a
// GetDataBlock's streamed payload.
type headerWire struct {
	StoredUnixtime float64    `json:"stored_unixtime"`
	MasterKey      dhtkey.Key `json:"master_key"`
	ReplicaCount   uint8      `json:"replica_count"`
	Checksum       dhtkey.Key `json:"checksum"`
	OwnerHash      dhtkey.Key `json:"owner_hash"`
}

func headerToWire(h blockstore.Header) headerWire {
	return headerWire{
		StoredUnixtime: h.StoredUnixtime,
		MasterKey:      h.MasterKey,
		ReplicaCount:   h.ReplicaCount,
		Checksum:       h.Checksum,
		OwnerHash:      h.OwnerHash,
	}
}

func wireToHeader(w headerWire) blockstore.Header {
	return blockstore.Header{
		StoredUnixtime: w.StoredUnixtime,
		MasterKey:      w.MasterKey,
		ReplicaCount:   w.ReplicaCount,
		Checksum:       w.Checksum,
		OwnerHash:      w.OwnerHash,
	}
}

type deleteParams struct {
	Key       dhtkey.Key           `json:"key"`
	Class     fsrange.ContentClass `json:"class"`
	OwnerHash dhtkey.Key           `json:"owner_hash"`
}

type checkParams struct {
	Key      dhtkey.Key           `json:"key"`
	Class    fsrange.ContentClass `json:"class"`
	Expected *dhtkey.Key          `json:"expected,omitempty"`
}

// clientPutParams is ClientPutData's wire request; Payload travels as
// BinaryData.
type clientPutParams struct {
	Key             *dhtkey.Key `json:"key,omitempty"`
	ReplicaCount    int         `json:"replica_count"`
	WaitWritesCount int         `json:"wait_writes_count"`
	InitBlock       bool        `json:"init_block"`
	OwnerHash       dhtkey.Key  `json:"owner_hash"`
}

type clientPutResult struct {
	Key      dhtkey.Key `json:"key"`
	Checksum dhtkey.Key `json:"checksum"`
	Size     int64      `json:"size"`
}

type clientDeleteParams struct {
	Keys      []dhtkey.Key `json:"keys"`
	OwnerHash dhtkey.Key   `json:"owner_hash"`
}

type clientDeleteResult struct {
	Failed bool              `json:"failed"`
	Errors map[string]string `json:"errors,omitempty"`
}

// checkHashParams/checkHashResult mirror operator.CheckRequest /
// operator.CheckResponse directly: both are already plain structs of
// wire-safe fields, so no extra indirection is needed beyond renaming
// the JSON keys to snake_case.
type checkHashParams struct {
	SenderAddr  string     `json:"sender_addr"`
	ModIndex    uint64     `json:"mod_index"`
	RangesCount int        `json:"ranges_count"`
	RangeStart  dhtkey.Key `json:"range_start"`
	RangeEnd    dhtkey.Key `json:"range_end"`
}

type checkHashResult struct {
	Code        int    `json:"code"`
	ModIndex    uint64 `json:"mod_index"`
	RangesCount int    `json:"ranges_count"`
	Force       bool   `json:"force"`
	Message     string `json:"message"`
}

func checkRequestFromWire(p checkHashParams) operator.CheckRequest {
	return operator.CheckRequest{
		SenderAddr:  p.SenderAddr,
		ModIndex:    p.ModIndex,
		RangesCount: p.RangesCount,
		RangeStart:  p.RangeStart,
		RangeEnd:    p.RangeEnd,
	}
}

func checkRequestToWire(r operator.CheckRequest) checkHashParams {
	return checkHashParams{
		SenderAddr:  r.SenderAddr,
		ModIndex:    r.ModIndex,
		RangesCount: r.RangesCount,
		RangeStart:  r.RangeStart,
		RangeEnd:    r.RangeEnd,
	}
}

func checkResponseToWire(r operator.CheckResponse) checkHashResult {
	return checkHashResult{
		Code:        int(r.Code),
		ModIndex:    r.ModIndex,
		RangesCount: r.RangesCount,
		Force:       r.Force,
		Message:     r.Message,
	}
}

type updateHashParams struct {
	Add    []rangetable.HashRange `json:"add,omitempty"`
	Remove []rangetable.HashRange `json:"remove,omitempty"`
}

type splitRangeParams struct {
	Mid dhtkey.Key `json:"mid"`
}

type splitRangeResult struct {
	Accepted bool `json:"accepted"`
}

type splitRangeCancelParams struct {
	Start dhtkey.Key `json:"start"`
	Mid   dhtkey.Key `json:"mid"`
	End   dhtkey.Key `json:"end"`
}

type pullSubrangeParams struct {
	Start dhtkey.Key `json:"start"`
	End   dhtkey.Key `json:"end"`
}

type pullSubrangeResult struct {
	Accepted bool `json:"accepted"`
}

// rangeDataParams is GetRangeDataRequest's wire request: the archived
// on-disk content is streamed back as BinaryData, a zip (accelerated by
// the same klauspost/compress/flate swap usermeta/snapshot.go uses).
type rangeDataParams struct {
	Start dhtkey.Key           `json:"start"`
	End   dhtkey.Key           `json:"end"`
	Class fsrange.ContentClass `json:"class"`
}

type getKeysInfoParams struct {
	OwnerHash dhtkey.Key `json:"owner_hash"`
}

type userInfoWire struct {
	OwnerHash   dhtkey.Key `json:"owner_hash"`
	StorageSize int64      `json:"storage_size"`
	UsedSize    int64      `json:"used_size"`
	Flags       uint32     `json:"flags"`
}

func userInfoToWire(u usermeta.UserInfo) userInfoWire {
	return userInfoWire{OwnerHash: u.OwnerHash, StorageSize: u.StorageSize, UsedSize: u.UsedSize, Flags: u.Flags}
}

func wireToUserInfo(w userInfoWire) usermeta.UserInfo {
	return usermeta.UserInfo{OwnerHash: w.OwnerHash, StorageSize: w.StorageSize, UsedSize: w.UsedSize, Flags: w.Flags}
}

type updateUserProfileParams struct {
	OwnerHash dhtkey.Key   `json:"owner_hash"`
	Info      userInfoWire `json:"info"`
}

type dataBlockInfoWire struct {
	DBKey        dhtkey.Key `json:"db_key"`
	ReplicaCount uint8      `json:"replica_count"`
	Seek         int64      `json:"seek"`
	Size         int64      `json:"size"`
}

type updateMetadataParams struct {
	OwnerHash dhtkey.Key          `json:"owner_hash"`
	Path      string              `json:"path"`
	Blocks    []dataBlockInfoWire `json:"blocks,omitempty"`
}

type restoreMetadataParams struct {
	OwnerHash dhtkey.Key `json:"owner_hash"`
}

type putObjectPartParams struct {
	OwnerHash       dhtkey.Key `json:"owner_hash"`
	Path            string     `json:"path"`
	Seek            int64      `json:"seek"`
	ReplicaCount    int        `json:"replica_count"`
	WaitWritesCount int        `json:"wait_writes_count"`
}

type putObjectPartResult struct {
	Key      dhtkey.Key `json:"key"`
	Checksum dhtkey.Key `json:"checksum"`
	Size     int64      `json:"size"`
}

type getObjectInfoParams struct {
	OwnerHash dhtkey.Key `json:"owner_hash"`
	Path      string     `json:"path"`
}

type getObjectInfoResult struct {
	Name          string              `json:"name"`
	Type          uint8               `json:"type"`
	RecursiveSize int64               `json:"recursive_size"`
	Children      []string            `json:"children,omitempty"`
	Blocks        []dataBlockInfoWire `json:"blocks,omitempty"`
}

type nodeStatisticResult struct {
	NodeName string             `json:"node_name"`
	Classes  map[string]float64 `json:"classes_free_percent"`
}

type repairDataBlocksResult struct {
	ProcessedLocalBlocks      int `json:"processed_local_blocks"`
	InvalidLocalBlocks        int `json:"invalid_local_blocks"`
	RepairedForeignBlocks     int `json:"repaired_foreign_blocks"`
	FailedRepairForeignBlocks int `json:"failed_repair_foreign_blocks"`
}
