package repair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"

	"github.com/dreamware/fabnetdht/internal/blockstore"
	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/rangetable"
)

// RangePeer is the wire seam Monitor needs beyond dataops.DataPeer:
// asking a neighbor to accept a subrange pulled off one end of this
// node's range (spec §4.9 "PullSubrangeRequest"). A concrete
// implementation lives in internal/rpcapi, over internal/transport;
// mirrors dataops.DataPeer and operator.Peer in shape.
type RangePeer interface {
	PullSubrangeRequest(ctx context.Context, addr string, start, end dhtkey.Key) (accepted bool, err error)
}

// Monitor holds the per-node state MonitorDHTRanges needs across
// cycles: which end of the range to pull from next, and whether the
// one-shot disk-pressure ALERT has already fired (spec §4.9 "else:
// clear the one-shot flag").
type Monitor struct {
	node     *dataops.Node
	table    *rangetable.Table
	peer     RangePeer
	cfg      config.Config
	selfAddr string
	mdb, rdb *fsrange.Range

	pullFromLeft   bool
	dangerAlerting bool
}

// NewMonitor builds a Monitor. mdb and rdb are this node's master- and
// replica-data ranges; table is the same ranges table the operator
// mutates, read here only to resolve key ownership and neighbors.
func NewMonitor(node *dataops.Node, table *rangetable.Table, peer RangePeer, cfg config.Config, selfAddr string, mdb, rdb *fsrange.Range) *Monitor {
	return &Monitor{
		node: node, table: table, peer: peer, cfg: cfg, selfAddr: selfAddr,
		mdb: mdb, rdb: rdb, pullFromLeft: true,
	}
}

// Run performs one MonitorDHTRanges cycle: foreign-block handoff, then
// the disk-pressure loop. Matches the func(ctx context.Context) error
// shape operator.RunMonitorDHTRanges expects as its monitor callback,
// so a production wiring is simply
// `go operatorInstance.RunMonitorDHTRanges(ctx, monitorInstance.Run)`.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.handoffForeignBlocks(ctx); err != nil {
		return fmt.Errorf("repair: monitor: foreign handoff: %w", err)
	}
	if err := m.checkDiskPressure(ctx); err != nil {
		return fmt.Errorf("repair: monitor: disk pressure: %w", err)
	}
	return nil
}

// handoffForeignBlocks walks mdb+rdb for files outside this node's
// currently-owned range and pushes each to its rightful owner,
// unlinking the local copy on success (spec §4.9 "Foreign handoff").
// A node observed out of free space earlier in this pass is
// blacklisted for its remainder.
func (m *Monitor) handoffForeignBlocks(ctx context.Context) error {
	start, end, ok := m.localBounds()
	if !ok {
		return nil // no local range yet; nothing is "foreign" relative to it
	}
	blacklist := map[string]bool{}

	for _, step := range []struct {
		rng   *fsrange.Range
		class fsrange.ContentClass
	}{{m.mdb, fsrange.ClassMasterData}, {m.rdb, fsrange.ClassReplicaData}} {
		if step.rng == nil {
			continue
		}
		var iterErr error
		err := step.rng.Iterate(func(k dhtkey.Key, path string) bool {
			if ctx.Err() != nil {
				iterErr = ctx.Err()
				return false
			}
			if k.Compare(start) >= 0 && k.Compare(end) <= 0 {
				return true // still ours
			}
			addr, local, found := m.node.Owner(k)
			if !found || local || blacklist[addr] {
				return true
			}
			if err := m.pushForeignBlock(ctx, addr, step.class, k, path); err != nil {
				if errors.Is(err, dhterrors.ErrNoFreeSpace) {
					blacklist[addr] = true
				}
				log.Printf("repair: monitor: handoff of %s to %s failed: %v", k, addr, err)
				return true
			}
			_ = step.rng.RemoveDB(k)
			return true
		})
		if err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}
	}
	return nil
}

func (m *Monitor) pushForeignBlock(ctx context.Context, addr string, class fsrange.ContentClass, k dhtkey.Key, path string) error {
	h, err := blockstore.Open(path).GetHeader()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(blockstore.HeaderSize, io.SeekStart); err != nil {
		return err
	}
	stored := h.StoredUnixtime
	return m.node.PushReplica(ctx, addr, dataops.PutDataBlockRequest{
		Key: k, Class: class, OwnerHash: h.OwnerHash, ReplicaCount: h.ReplicaCount,
		CarefullySave: true, StoredUnixtime: &stored,
	}, f)
}

// localBounds reports this node's current range, if any.
func (m *Monitor) localBounds() (start, end dhtkey.Key, ok bool) {
	if m.mdb == nil {
		return dhtkey.Key{}, dhtkey.Key{}, false
	}
	s, e := m.mdb.Bounds()
	return s, e, true
}

// checkDiskPressure computes the local range's estimated utilization
// and acts per spec §4.9 "Disk pressure": at MAX_USED_SIZE_PERCENTS it
// blocks writes (if critically low on free space) and alternately
// pulls a subrange off the left or right end to a neighbor; at
// DANGER_USED_SIZE_PERCENTS it raises a one-shot ALERT.
func (m *Monitor) checkDiskPressure(ctx context.Context) error {
	if m.mdb == nil {
		return nil
	}
	used, err := m.mdb.EstimatedDataPercents()
	if err != nil {
		return err
	}

	if used >= float64(m.cfg.DangerUsedSizePercents) {
		if !m.dangerAlerting {
			log.Printf("ALERT: HDD usage at %.1f%% on range backing %s", used, m.selfAddr)
			m.dangerAlerting = true
		}
	} else {
		m.dangerAlerting = false
	}

	if used < float64(m.cfg.MaxUsedSizePercents) {
		return nil
	}

	free, err := m.mdb.FreeSizePercents()
	if err != nil {
		return err
	}
	if free < float64(m.cfg.CriticalFreeSpacePercent) {
		m.mdb.BlockForWrite()
	}

	return m.pullSubrangeAlternating(ctx)
}

// pullSubrangeAlternating offloads PULL_SUBRANGE_SIZE_PERC of the
// local range to a neighbor, alternating which end it takes the slice
// from cycle to cycle; on failure it retries once from the opposite
// end (spec §4.9).
func (m *Monitor) pullSubrangeAlternating(ctx context.Context) error {
	fromLeft := m.pullFromLeft
	m.pullFromLeft = !m.pullFromLeft

	if err := m.pullSubrangeFrom(ctx, fromLeft); err != nil {
		log.Printf("repair: monitor: pull subrange (fromLeft=%v) failed: %v, retrying opposite end", fromLeft, err)
		return m.pullSubrangeFrom(ctx, !fromLeft)
	}
	return nil
}

func (m *Monitor) pullSubrangeFrom(ctx context.Context, fromLeft bool) error {
	start, end, ok := m.localBounds()
	if !ok {
		return nil
	}
	sliceStart, sliceEnd, neighbor, ok := m.sliceAndNeighbor(start, end, fromLeft)
	if !ok {
		return fmt.Errorf("repair: monitor: no neighbor available to pull subrange to")
	}

	accepted, err := m.peer.PullSubrangeRequest(ctx, neighbor, sliceStart, sliceEnd)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("repair: monitor: neighbor %s declined subrange [%s,%s]", neighbor, sliceStart, sliceEnd)
	}
	return nil
}

// sliceAndNeighbor computes the PULL_SUBRANGE_SIZE_PERC slice off the
// requested end of [start,end] and the neighbor address that currently
// owns the range adjacent to it.
func (m *Monitor) sliceAndNeighbor(start, end dhtkey.Key, fromLeft bool) (sliceStart, sliceEnd dhtkey.Key, neighbor string, ok bool) {
	width := start.Distance(end)
	cut := new(big.Int).Mul(width, big.NewInt(int64(m.cfg.PullSubrangeSizePerc)))
	cut.Div(cut, big.NewInt(100))

	if fromLeft {
		sliceStart = start
		sliceEnd = dhtkey.FromBig(new(big.Int).Add(start.Big(), cut))
		prev, found := m.table.Find(decrementKey(start))
		if !found || prev.Addr == m.selfAddr {
			return dhtkey.Key{}, dhtkey.Key{}, "", false
		}
		return sliceStart, sliceEnd, prev.Addr, true
	}

	sliceEnd = end
	sliceStart = dhtkey.FromBig(new(big.Int).Sub(end.Big(), cut))
	next, found := m.table.FindNext(end.Successor())
	if !found || next.Addr == m.selfAddr {
		return dhtkey.Key{}, dhtkey.Key{}, "", false
	}
	return sliceStart, sliceEnd, next.Addr, true
}

// decrementKey returns k-1 with ring wraparound, mirroring fsrange's
// own (unexported) predecessor helper: Monitor needs it to find the
// range ending just before this node's range starts.
func decrementKey(k dhtkey.Key) dhtkey.Key {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] != 0 {
			k[i]--
			return k
		}
		k[i] = 0xff
	}
	return k
}
