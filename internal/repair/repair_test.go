package repair

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/rangetable"
)

// fakePeer mirrors dataops' own test fake: an in-memory stand-in for
// another node's data plane, addressed by name, so fan-out can be
// exercised without a real transport.
type fakePeer struct {
	mu    sync.Mutex
	nodes map[string]*dataops.Node
}

func newFakePeer() *fakePeer { return &fakePeer{nodes: map[string]*dataops.Node{}} }

func (p *fakePeer) register(addr string, n *dataops.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[addr] = n
}

func (p *fakePeer) node(addr string) *dataops.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[addr]
}

func (p *fakePeer) PutDataBlock(ctx context.Context, addr string, req dataops.PutDataBlockRequest, body io.Reader) error {
	return p.node(addr).PutDataBlock(ctx, req, body)
}

func (p *fakePeer) GetDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash *dhtkey.Key) (blockstore.Header, io.ReadCloser, error) {
	return p.node(addr).GetDataBlock(ctx, key, class, ownerHash)
}

func (p *fakePeer) DeleteDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, ownerHash dhtkey.Key) error {
	return p.node(addr).DeleteDataBlock(ctx, key, class, ownerHash)
}

func (p *fakePeer) CheckDataBlock(ctx context.Context, addr string, key dhtkey.Key, class fsrange.ContentClass, expected *dhtkey.Key) error {
	return p.node(addr).CheckDataBlock(ctx, key, class, expected)
}

// repairTestNode bundles a dataops.Node together with the same
// fsrange.Range values it was built from, since RepairProcess walks
// those ranges directly rather than going through the node.
type repairTestNode struct {
	node     *dataops.Node
	mdb, rdb *fsrange.Range
	mmd      *fsrange.Range
}

func newRepairTestNode(t *testing.T, addr string, table *rangetable.Table, peer dataops.DataPeer) *repairTestNode {
	t.Helper()
	base := t.TempDir()
	ranges := map[fsrange.ContentClass]*fsrange.Range{}
	for _, class := range fsrange.AllClasses {
		r, err := fsrange.New(base, class, dhtkey.Min, dhtkey.Max)
		if err != nil {
			t.Fatalf("fsrange.New(%s): %v", class, err)
		}
		ranges[class] = r
	}
	return &repairTestNode{
		node: dataops.NewNode(addr, "test-cluster", ranges, table, peer),
		mdb:  ranges[fsrange.ClassMasterData],
		rdb:  ranges[fsrange.ClassReplicaData],
		mmd:  ranges[fsrange.ClassMasterMeta],
	}
}

func TestRepairProcessRepublishesMissingRemoteReplica(t *testing.T) {
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.FromUint64(1), "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := table.Append(dhtkey.FromUint64(2), dhtkey.Max, "node-b"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	peer := newFakePeer()
	a := newRepairTestNode(t, "node-a", table, peer)
	b := newRepairTestNode(t, "node-b", table, peer)
	peer.register("node-a", a.node)
	peer.register("node-b", b.node)

	payload := []byte("replicated payload")
	res, err := a.node.ClientPut(context.Background(), dataops.ClientPutRequest{
		Key:             keyPtr(dhtkey.FromUint64(1)),
		ReplicaCount:    1,
		WaitWritesCount: 1,
		OwnerHash:       dhtkey.SHA1([]byte("user-1")),
		Payload:         bytes.NewReader(payload),
	})
	if err != nil {
		t.Fatalf("ClientPut: %v", err)
	}

	// ClientPut lands node-b's replica; drop it to simulate a lost copy.
	replicaKey := dhtkey.AllKeys(res.Key, 1, "test-cluster")[1]
	if err := b.rdb.RemoveDB(replicaKey); err != nil {
		t.Fatalf("RemoveDB: %v", err)
	}
	if _, _, err := b.node.GetDataBlock(context.Background(), replicaKey, fsrange.ClassReplicaData, nil); err == nil {
		t.Fatalf("expected node-b to be missing the replica before repair")
	}

	report, err := RepairProcess(context.Background(), a.node, a.mdb, a.rdb, nil, "test-cluster", 2)
	if err != nil {
		t.Fatalf("RepairProcess: %v", err)
	}
	if report.RepairedForeignBlocks != 1 {
		t.Fatalf("RepairedForeignBlocks = %d, want 1 (report=%+v)", report.RepairedForeignBlocks, report)
	}

	_, body, err := b.node.GetDataBlock(context.Background(), replicaKey, fsrange.ClassReplicaData, nil)
	if err != nil {
		t.Fatalf("GetDataBlock after repair: %v", err)
	}
	got, _ := io.ReadAll(body)
	body.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("repaired payload = %q, want %q", got, payload)
	}
}

func TestRepairProcessHardlinksLocallyOwnedReplica(t *testing.T) {
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	peer := newFakePeer()
	a := newRepairTestNode(t, "node-a", table, peer)
	peer.register("node-a", a.node)

	res, err := a.node.ClientPut(context.Background(), dataops.ClientPutRequest{
		ReplicaCount:    1,
		WaitWritesCount: 1,
		OwnerHash:       dhtkey.SHA1([]byte("user-2")),
		Payload:         bytes.NewReader([]byte("same node replica")),
	})
	if err != nil {
		t.Fatalf("ClientPut: %v", err)
	}

	// ClientPut saves the local replica too; drop it to simulate a lost copy.
	replicaKey := dhtkey.AllKeys(res.Key, 1, "test-cluster")[1]
	if err := a.rdb.RemoveDB(replicaKey); err != nil {
		t.Fatalf("RemoveDB: %v", err)
	}
	if _, _, err := a.node.GetDataBlock(context.Background(), replicaKey, fsrange.ClassReplicaData, nil); err == nil {
		t.Fatalf("expected replica to be missing locally before repair")
	}

	report, err := RepairProcess(context.Background(), a.node, a.mdb, a.rdb, nil, "test-cluster", 2)
	if err != nil {
		t.Fatalf("RepairProcess: %v", err)
	}
	if report.RepairedForeignBlocks != 1 {
		t.Fatalf("RepairedForeignBlocks = %d, want 1 (report=%+v)", report.RepairedForeignBlocks, report)
	}

	_, body, err := a.node.GetDataBlock(context.Background(), replicaKey, fsrange.ClassReplicaData, nil)
	if err != nil {
		t.Fatalf("GetDataBlock after local repair: %v", err)
	}
	body.Close()
}

func TestRepairProcessCountsValidLocalBlockAsProcessed(t *testing.T) {
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	peer := newFakePeer()
	a := newRepairTestNode(t, "node-a", table, peer)
	peer.register("node-a", a.node)

	if _, err := a.node.ClientPut(context.Background(), dataops.ClientPutRequest{
		ReplicaCount:    0,
		WaitWritesCount: 1,
		OwnerHash:       dhtkey.SHA1([]byte("user-3")),
		Payload:         bytes.NewReader([]byte("a valid block")),
	}); err != nil {
		t.Fatalf("ClientPut: %v", err)
	}

	report, err := RepairProcess(context.Background(), a.node, a.mdb, a.rdb, nil, "test-cluster", 2)
	if err != nil {
		t.Fatalf("RepairProcess: %v", err)
	}
	if report.ProcessedLocalBlocks != 1 {
		t.Fatalf("ProcessedLocalBlocks = %d, want 1", report.ProcessedLocalBlocks)
	}
	if report.InvalidLocalBlocks != 0 {
		t.Fatalf("InvalidLocalBlocks = %d, want 0", report.InvalidLocalBlocks)
	}
}

func keyPtr(k dhtkey.Key) *dhtkey.Key { return &k }
