package usermeta

import (
	"encoding/json"

	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

// UserInfo is the fixed root entry of a user's path tree, tracking the
// owner identity and capacity accounting (spec §4.5).
type UserInfo struct {
	OwnerHash   dhtkey.Key `json:"owner_hash"`
	StorageSize int64      `json:"storage_size"`
	UsedSize    int64      `json:"used_size"`
	Flags       uint32     `json:"flags"`
}

// ItemType distinguishes a file entry from a directory entry.
type ItemType uint8

const (
	ItemFile ItemType = iota
	ItemDir
)

// DataBlockInfo is one data block backing a file, identified by its
// master key with replication fan-out and byte-range placement within
// the logical file (spec §4.5 "DataBlockInfo").
type DataBlockInfo struct {
	DBKey        dhtkey.Key `json:"db_key"`
	ReplicaCount uint8      `json:"replica_count"`
	Seek         int64      `json:"seek"`
	Size         int64      `json:"size"`
}

// chargedSize is the amount charged against UsedSize for one block:
// its payload size multiplied by (replica_count + 1) copies actually
// stored (spec §4.5 "Σ size·(replica_count+1)").
func (b DataBlockInfo) chargedSize() int64 {
	return b.Size * int64(b.ReplicaCount+1)
}

// ItemValue is the stored payload for one MDKey entry: either a
// directory (no child list is persisted — children are discovered by
// scanning keys sharing ParentID) or a file (Blocks holds its data
// block list).
type ItemValue struct {
	Type   ItemType        `json:"type"`
	Name   string          `json:"name"`
	OwnID  uint64          `json:"own_id"`
	Blocks []DataBlockInfo `json:"blocks,omitempty"`
}

func (v ItemValue) marshal() ([]byte, error) { return json.Marshal(v) }

func unmarshalItemValue(buf []byte) (ItemValue, error) {
	var v ItemValue
	err := json.Unmarshal(buf, &v)
	return v, err
}

// PathInfo is the response shape for get_path_info: the entry's own
// metadata plus, for directories, a one-level child listing (spec
// §4.5 "get_path_info").
type PathInfo struct {
	Name          string   `json:"name"`
	Type          ItemType `json:"type"`
	RecursiveSize int64    `json:"recursive_size"`
	Children      []string `json:"children,omitempty"`
}
