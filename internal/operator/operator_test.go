package operator

import (
	"context"
	"sync"
	"testing"

	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/rangetable"
)

type fakePeer struct {
	mu             sync.Mutex
	splitAccept    bool
	updates        []string
	checkResponses map[string]CheckResponse
	tables         map[string][]rangetable.HashRange
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		splitAccept:    true,
		checkResponses: map[string]CheckResponse{},
		tables:         map[string][]rangetable.HashRange{},
	}
}

func (f *fakePeer) CheckHashRangeTable(ctx context.Context, addr string, req CheckRequest) (CheckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok := f.checkResponses[addr]; ok {
		return resp, nil
	}
	return CheckResponse{Code: dhterrors.OK}, nil
}

func (f *fakePeer) GetRangesTable(ctx context.Context, addr string) ([]rangetable.HashRange, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[addr], 1, nil
}

func (f *fakePeer) UpdateHashRangeTable(ctx context.Context, addr string, add, remove []rangetable.HashRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, addr)
	return nil
}

func (f *fakePeer) SplitRangeRequest(ctx context.Context, addr string, mid dhtkey.Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.splitAccept, nil
}

func testConfig() config.Config {
	c := config.Defaults()
	c.NodeID = "test-node"
	return c
}

func TestStartAsDHTMemberFreshNodeRetakesWholeRangeWhenAlone(t *testing.T) {
	cfg := testConfig()
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	op := New(cfg, "node-a", table, newFakePeer(), nil)
	op.localStart, op.localEnd, op.haveLocal = dhtkey.Min, dhtkey.Max, true

	if err := op.StartAsDHTMember(context.Background()); err != nil {
		t.Fatalf("StartAsDHTMember: %v", err)
	}
	if op.State() != Normalwork {
		t.Fatalf("state = %s, want NORMALWORK", op.State())
	}
	start, end, ok := op.LocalRange()
	if !ok || start != dhtkey.Min || end != dhtkey.Max {
		t.Fatalf("LocalRange = (%s,%s,%v), want full range", start, end, ok)
	}
}

func TestStartAsDHTMemberJoinsBySplitting(t *testing.T) {
	cfg := testConfig()
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	peer := newFakePeer()
	peer.splitAccept = true

	op := New(cfg, "node-b", table, peer, nil)
	if err := op.StartAsDHTMember(context.Background()); err != nil {
		t.Fatalf("StartAsDHTMember: %v", err)
	}
	if op.State() != Normalwork {
		t.Fatalf("state = %s, want NORMALWORK", op.State())
	}
	start, end, ok := op.LocalRange()
	if !ok {
		t.Fatal("expected a local range after a successful split join")
	}
	mid := dhtkey.Midpoint(dhtkey.Min, dhtkey.Max)
	if start != mid.Successor() || end != dhtkey.Max {
		t.Fatalf("LocalRange = (%s,%s), want (%s,%s)", start, end, mid.Successor(), dhtkey.Max)
	}
}

func TestStartAsDHTMemberStaysInInitializeAfterRepeatedCancel(t *testing.T) {
	cfg := testConfig()
	cfg.DHTCycleTryCount = 2
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	peer := newFakePeer()
	peer.splitAccept = false

	op := New(cfg, "node-b", table, peer, nil)
	if err := op.StartAsDHTMember(context.Background()); err != nil {
		t.Fatalf("StartAsDHTMember: %v", err)
	}
	if op.State() != Initialize {
		t.Fatalf("state = %s, want INITIALIZE after exhausted attempts", op.State())
	}
}

func TestHandleCheckHashRangeTableReturnsOKWhenInInitialize(t *testing.T) {
	cfg := testConfig()
	table := rangetable.New()
	op := New(cfg, "node-a", table, newFakePeer(), nil)
	op.mu.Lock()
	op.setState(Initialize)
	op.mu.Unlock()

	resp := op.HandleCheckHashRangeTable(CheckRequest{SenderAddr: "node-b"})
	if resp.Code != dhterrors.OK {
		t.Fatalf("Code = %v, want OK", resp.Code)
	}
}

func TestHandleCheckHashRangeTableNeedsUpdateWhenSenderBehind(t *testing.T) {
	cfg := testConfig()
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.FromUint64(100), "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := table.Append(dhtkey.FromUint64(101), dhtkey.Max, "node-b"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	op := New(cfg, "node-a", table, newFakePeer(), nil)
	op.mu.Lock()
	op.setState(Normalwork)
	op.mu.Unlock()

	resp := op.HandleCheckHashRangeTable(CheckRequest{
		SenderAddr:  "node-b",
		ModIndex:    0,
		RangesCount: 1,
		RangeStart:  dhtkey.Min,
		RangeEnd:    dhtkey.FromUint64(100),
	})
	if resp.Code != dhterrors.NeedUpdate {
		t.Fatalf("Code = %v, want NEED_UPDATE", resp.Code)
	}
}

func TestCheckNearRangeExtendsToRightGap(t *testing.T) {
	cfg := testConfig()
	table := rangetable.New()
	if err := table.Append(dhtkey.Min, dhtkey.FromUint64(100), "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := table.Append(dhtkey.FromUint64(200), dhtkey.Max, "node-b"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	op := New(cfg, "node-a", table, newFakePeer(), nil)
	op.mu.Lock()
	op.setState(Normalwork)
	op.localStart, op.localEnd, op.haveLocal = dhtkey.Min, dhtkey.FromUint64(100), true
	op.mu.Unlock()

	if err := op.CheckNearRange(context.Background()); err != nil {
		t.Fatalf("CheckNearRange: %v", err)
	}
	_, end, _ := op.LocalRange()
	want := dhtkey.FromUint64(199)
	if end != want {
		t.Fatalf("end = %s, want %s", end, want)
	}
}

func TestStopInheritedTransitionsToDestroyingAndJoinsTasks(t *testing.T) {
	cfg := testConfig()
	cfg.DHTStopTimeoutSec = 2
	table := rangetable.New()
	op := New(cfg, "node-a", table, newFakePeer(), nil)
	op.mu.Lock()
	op.localStart, op.localEnd, op.haveLocal = dhtkey.Min, dhtkey.Max, true
	op.mu.Unlock()
	if err := table.Append(dhtkey.Min, dhtkey.Max, "node-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := op.StopInherited(context.Background()); err != nil {
		t.Fatalf("StopInherited: %v", err)
	}
	if op.State() != Destroying {
		t.Fatalf("state = %s, want DESTROYING", op.State())
	}
	if table.Count() != 0 {
		t.Fatalf("table.Count() = %d, want 0 after removal broadcast", table.Count())
	}
}
