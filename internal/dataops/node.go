// Package dataops implements the client-facing data path: ClientPut,
// Get, ClientDelete and CheckDataBlock (spec §4.7-4.8), plus the
// single-replica handlers (PutDataBlock, GetDataBlock, DeleteDataBlock,
// CheckDataBlock) that both the RPC dispatch table and the repair pass
// call against a block this node actually holds.
//
// A Node owns one FSMappedRange per content class for the key range
// this process currently serves, looks up key ownership through a
// rangetable.Table, and reaches remote owners through the DataPeer
// seam so the fan-out logic here stays testable without a real
// transport.
package dataops

import (
	"crypto/rand"
	"fmt"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/rangetable"
)

// Node is the data-plane handle one running process uses to serve and
// originate data-block operations.
type Node struct {
	selfAddr string
	nodeName string // cluster-wide name fed to dhtkey.GenerateNewKeys/AllKeys
	ranges   map[fsrange.ContentClass]*fsrange.Range
	table    *rangetable.Table
	peer     DataPeer
	rnd      func([]byte) (int, error)
}

// NewNode builds a Node. ranges must hold at least ClassTemporary,
// ClassMasterData and ClassReplicaData for ClientPut to function; rnd
// defaults to crypto/rand.Read when nil.
func NewNode(selfAddr, nodeName string, ranges map[fsrange.ContentClass]*fsrange.Range, table *rangetable.Table, peer DataPeer) *Node {
	return &Node{
		selfAddr: selfAddr,
		nodeName: nodeName,
		ranges:   ranges,
		table:    table,
		peer:     peer,
		rnd:      rand.Read,
	}
}

// rangeFor returns the local directory tree for class, if this node
// currently hosts one.
func (n *Node) rangeFor(class fsrange.ContentClass) (*fsrange.Range, bool) {
	r, ok := n.ranges[class]
	return r, ok
}

// Owner resolves the node address currently responsible for key
// according to this node's ranges-table, reporting whether that owner
// is this process itself.
func (n *Node) Owner(key dhtkey.Key) (addr string, local bool, found bool) {
	r, ok := n.table.Find(key)
	if !ok {
		return "", false, false
	}
	return r.Addr, r.Addr == n.selfAddr, true
}

// classForIndex returns the content class a derived key belongs to:
// mdb for the prime key (index 0), rdb for every replica (spec §4.7
// step 4).
func classForIndex(i int) fsrange.ContentClass {
	if i == 0 {
		return fsrange.ClassMasterData
	}
	return fsrange.ClassReplicaData
}

// ClassForReplicaIndex exposes classForIndex to internal/repair, which
// reconstructs the same key-to-class mapping from a stored header's
// replica_count rather than from a fresh ClientPut.
func ClassForReplicaIndex(i int) fsrange.ContentClass { return classForIndex(i) }

func errNoOwner(key dhtkey.Key) error {
	return fmt.Errorf("dataops: no owner found for key %s: %w", key, dhterrors.ErrTransport)
}
