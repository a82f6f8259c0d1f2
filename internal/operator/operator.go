// Package operator implements the membership state machine every node
// runs to join the ring, keep its local range converged with its
// neighbors, and shed or extend that range as peers come and go (spec
// §4.6). It is adapted from the teacher's internal/coordinator
// HealthMonitor: a periodic background poller with a pluggable check
// function and callback, generalized from liveness polling to the
// gossip convergence protocol described in spec §4.10.
package operator

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/dreamware/fabnetdht/internal/config"
	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/rangetable"
)

// State is one of the four membership states a node cycles through.
type State int

const (
	Preinit State = iota
	Initialize
	Normalwork
	Destroying
)

func (s State) String() string {
	switch s {
	case Preinit:
		return "PREINIT"
	case Initialize:
		return "INITIALIZE"
	case Normalwork:
		return "NORMALWORK"
	case Destroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// CheckRequest is the payload of a CheckHashRangeTable call: the
// sender's view of its own position in the ring (spec §4.10).
type CheckRequest struct {
	SenderAddr  string
	ModIndex    uint64
	RangesCount int
	RangeStart  dhtkey.Key
	RangeEnd    dhtkey.Key
}

// CheckResponse is the target's reply, carrying enough information for
// the caller to decide whether to fetch the full table.
type CheckResponse struct {
	Code        dhterrors.Code
	ModIndex    uint64
	RangesCount int
	Force       bool
	Message     string
}

// Peer is everything the operator needs to say to another node over
// the wire. A concrete implementation lives in internal/rpcapi, built
// on internal/transport; tests here use a fake.
type Peer interface {
	CheckHashRangeTable(ctx context.Context, addr string, req CheckRequest) (CheckResponse, error)
	GetRangesTable(ctx context.Context, addr string) ([]rangetable.HashRange, uint64, error)
	UpdateHashRangeTable(ctx context.Context, addr string, add, remove []rangetable.HashRange) error
	SplitRangeRequest(ctx context.Context, addr string, mid dhtkey.Key) (accepted bool, err error)
}

// UsageProvider reports the local range's current utilization.
// HandleSplitRangeRequest and AcceptSubrange compare that figure as it
// stands against ALLOW_USED_SIZE_PERCENTS; no post-split or
// post-absorb projection is computed.
type UsageProvider func() (usedPercent int)

// Operator owns one node's local range and ranges table and runs the
// membership state machine plus the two background tasks described in
// spec §4.6. All exported methods are safe for concurrent use.
type Operator struct {
	mu    sync.Mutex
	state State

	selfAddr string
	table    *rangetable.Table
	cfg      config.Config
	peer     Peer
	usage    UsageProvider

	localStart, localEnd dhtkey.Key
	haveLocal            bool
	joinFailed           bool

	forceCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	dangerAlertActive bool
}

// New constructs an Operator in state PREINIT with an empty ranges
// table. Callers must Append the node's bootstrap range (the whole key
// space, for the first node in a fresh ring) or leave the table empty
// before calling StartAsDHTMember.
func New(cfg config.Config, selfAddr string, table *rangetable.Table, peer Peer, usage UsageProvider) *Operator {
	if usage == nil {
		usage = func() int { return 0 }
	}
	return &Operator{
		state:    Preinit,
		selfAddr: selfAddr,
		table:    table,
		cfg:      cfg,
		peer:     peer,
		usage:    usage,
		forceCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// State returns the operator's current membership state.
func (o *Operator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operator) setState(s State) {
	o.state = s
}

// LocalRange returns the node's current range, if it holds one.
func (o *Operator) LocalRange() (start, end dhtkey.Key, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localStart, o.localEnd, o.haveLocal
}

// setLocalRange installs (start, end) as the node's local range,
// updates the ranges table to reflect it, and broadcasts the change.
// Callers must not hold o.mu.
func (o *Operator) setLocalRange(ctx context.Context, start, end dhtkey.Key) error {
	o.mu.Lock()
	prevHad := o.haveLocal
	prevStart, prevEnd := o.localStart, o.localEnd
	o.localStart, o.localEnd = start, end
	o.haveLocal = true
	o.mu.Unlock()

	var err error
	if prevHad && (prevStart != start || prevEnd != end) {
		// Growing/shrinking an already-held range: replace the old tuple
		// for this node in one atomic step so the table never sees the
		// old and new spans as conflicting claims by the same owner.
		err = o.table.ApplyChanges(
			[]rangetable.HashRange{{Start: prevStart, End: prevEnd, Addr: o.selfAddr}},
			[]rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}},
		)
	} else {
		err = o.table.Append(start, end, o.selfAddr)
	}
	if err != nil {
		return fmt.Errorf("operator: updating local range: %w", err)
	}
	o.broadcastUpdate(ctx, []rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}}, nil)
	return nil
}

// installSplitRange records a granted SplitRangeRequest result: the
// target's [targetStart,targetEnd] tuple shrinks to [targetStart,mid]
// and this node takes [mid+1,targetEnd], applied as one atomic table
// transaction so the table is never observed with both the old,
// full-width target tuple and the new local tuple claiming the same
// keys (spec §4.6 step 4).
func (o *Operator) installSplitRange(ctx context.Context, targetAddr string, targetStart, mid, targetEnd dhtkey.Key) error {
	newLocalStart, newLocalEnd := mid.Successor(), targetEnd
	err := o.table.ApplyChanges(
		[]rangetable.HashRange{{Start: targetStart, End: targetEnd, Addr: targetAddr}},
		[]rangetable.HashRange{
			{Start: targetStart, End: mid, Addr: targetAddr},
			{Start: newLocalStart, End: newLocalEnd, Addr: o.selfAddr},
		},
	)
	if err != nil {
		return fmt.Errorf("operator: installing split range: %w", err)
	}

	o.mu.Lock()
	o.localStart, o.localEnd = newLocalStart, newLocalEnd
	o.haveLocal = true
	o.mu.Unlock()

	o.broadcastUpdate(ctx,
		[]rangetable.HashRange{
			{Start: targetStart, End: mid, Addr: targetAddr},
			{Start: newLocalStart, End: newLocalEnd, Addr: o.selfAddr},
		},
		nil,
	)
	return nil
}

// HandleSplitRangeRequest implements the target-side behavior of spec
// §4.6 step 4 for an inbound SplitRangeRequest: senderAddr is asking to
// take ownership of the upper half of this node's local range, split
// at mid. The request is declined (accepted=false, err=nil) rather
// than failed whenever the split isn't currently sensible: the node
// isn't NORMALWORK, mid falls outside its local range, or its current
// utilization (from UsageProvider, with no post-split projection)
// exceeds ALLOW_USED_SIZE_PERCENTS. On acceptance the local range shrinks to
// [localStart,mid] and [mid+1,localEnd] is handed to senderAddr, both
// applied as one atomic table transaction and broadcast, mirroring
// installSplitRange's caller-side counterpart.
func (o *Operator) HandleSplitRangeRequest(ctx context.Context, senderAddr string, mid dhtkey.Key) (accepted bool, err error) {
	o.mu.Lock()
	state := o.state
	start, end, have := o.localStart, o.localEnd, o.haveLocal
	o.mu.Unlock()

	if state != Normalwork || !have {
		return false, nil
	}
	if mid.Compare(start) < 0 || mid.Compare(end) >= 0 {
		return false, nil
	}
	if o.usage() > o.cfg.AllowUsedSizePercents {
		return false, nil
	}

	newLocalEnd := mid
	newPeerStart, newPeerEnd := mid.Successor(), end
	if err := o.table.ApplyChanges(
		[]rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}},
		[]rangetable.HashRange{
			{Start: start, End: newLocalEnd, Addr: o.selfAddr},
			{Start: newPeerStart, End: newPeerEnd, Addr: senderAddr},
		},
	); err != nil {
		return false, fmt.Errorf("operator: accepting split from %s: %w", senderAddr, err)
	}

	o.mu.Lock()
	o.localEnd = newLocalEnd
	o.mu.Unlock()

	o.broadcastUpdate(ctx,
		[]rangetable.HashRange{
			{Start: start, End: newLocalEnd, Addr: o.selfAddr},
			{Start: newPeerStart, End: newPeerEnd, Addr: senderAddr},
		},
		nil,
	)
	return true, nil
}

// HandleSplitRangeCancel reverses a previously granted split: senderAddr
// is giving back [mid+1,end], which it was handed in exchange for this
// node shrinking to [start,mid]. It only succeeds if the local range is
// still exactly [start,mid] (nothing has moved on since); otherwise the
// cancel is rejected rather than guessed at.
func (o *Operator) HandleSplitRangeCancel(ctx context.Context, senderAddr string, start, mid, end dhtkey.Key) error {
	o.mu.Lock()
	curStart, curEnd, have := o.localStart, o.localEnd, o.haveLocal
	o.mu.Unlock()
	if !have || curStart != start || curEnd != mid {
		return fmt.Errorf("operator: split cancel: local range is not [%s,%s]", start, mid)
	}

	if err := o.table.ApplyChanges(
		[]rangetable.HashRange{
			{Start: start, End: mid, Addr: o.selfAddr},
			{Start: mid.Successor(), End: end, Addr: senderAddr},
		},
		[]rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}},
	); err != nil {
		return fmt.Errorf("operator: split cancel: %w", err)
	}

	o.mu.Lock()
	o.localEnd = end
	o.mu.Unlock()
	o.broadcastUpdate(ctx, []rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}}, nil)
	return nil
}

// AcceptSubrange extends this node's local range by absorbing
// [start,end] handed off from a neighbor relieving its own disk
// pressure (spec §4.9 "PullSubrangeRequest"). The slice must be exactly
// contiguous with one end of the local range and must exactly match an
// existing table entry's bounds (so its current owner can be found to
// remove it in the same transaction); anything else is declined rather
// than guessed at. Declines if this node's current utilization already
// exceeds ALLOW_USED_SIZE_PERCENTS; the size of the subrange being
// absorbed is not taken into account.
func (o *Operator) AcceptSubrange(ctx context.Context, start, end dhtkey.Key) (accepted bool, err error) {
	o.mu.Lock()
	state := o.state
	curStart, curEnd, have := o.localStart, o.localEnd, o.haveLocal
	o.mu.Unlock()
	if state != Normalwork || !have {
		return false, nil
	}
	if o.usage() > o.cfg.AllowUsedSizePercents {
		return false, nil
	}

	existing, found := o.table.Find(start)
	if !found || existing.Start != start || existing.End != end {
		return false, nil
	}

	var newStart, newEnd dhtkey.Key
	switch {
	case end.Successor() == curStart:
		newStart, newEnd = start, curEnd
	case curEnd.Successor() == start:
		newStart, newEnd = curStart, end
	default:
		return false, nil
	}

	if err := o.table.ApplyChanges(
		[]rangetable.HashRange{
			{Start: curStart, End: curEnd, Addr: o.selfAddr},
			{Start: start, End: end, Addr: existing.Addr},
		},
		[]rangetable.HashRange{{Start: newStart, End: newEnd, Addr: o.selfAddr}},
	); err != nil {
		return false, fmt.Errorf("operator: accepting subrange [%s,%s]: %w", start, end, err)
	}

	o.mu.Lock()
	o.localStart, o.localEnd = newStart, newEnd
	o.mu.Unlock()
	o.broadcastUpdate(ctx, []rangetable.HashRange{{Start: newStart, End: newEnd, Addr: o.selfAddr}}, nil)
	return true, nil
}

// broadcastUpdate sends UpdateHashRangeTable to every other node
// currently known in the table. Failures are logged, not propagated:
// convergence is eventual per spec §5 "Ordering guarantees".
func (o *Operator) broadcastUpdate(ctx context.Context, add, remove []rangetable.HashRange) {
	seen := map[string]bool{o.selfAddr: true}
	o.table.IterTable(func(r rangetable.HashRange) bool {
		if seen[r.Addr] {
			return true
		}
		seen[r.Addr] = true
		if err := o.peer.UpdateHashRangeTable(ctx, r.Addr, add, remove); err != nil {
			log.Printf("operator: broadcast UpdateHashRangeTable to %s failed: %v", r.Addr, err)
		}
		return true
	})
}

// StartAsDHTMember is the join routine (spec §4.6). It transitions to
// INITIALIZE, attempts to acquire a slice of the ring up to
// DHT_CYCLE_TRY_COUNT times, and either lands in NORMALWORK (success)
// or stays in INITIALIZE (all attempts futile, logged for the operator
// to retry on its own schedule).
func (o *Operator) StartAsDHTMember(ctx context.Context) error {
	o.mu.Lock()
	o.setState(Initialize)
	o.mu.Unlock()

	for attempt := 0; attempt < o.cfg.DHTCycleTryCount; attempt++ {
		target, start, end, self, err := o.pickJoinTarget()
		if err != nil {
			log.Printf("operator: join attempt %d: %v", attempt+1, err)
			continue
		}

		if self {
			if err := o.setLocalRange(ctx, start, end); err != nil {
				log.Printf("operator: join attempt %d: re-taking own range: %v", attempt+1, err)
				continue
			}
			o.mu.Lock()
			o.setState(Normalwork)
			o.joinFailed = false
			o.mu.Unlock()
			return nil
		}

		mid := dhtkey.Midpoint(start, end)
		accepted, err := o.peer.SplitRangeRequest(ctx, target, mid)
		if err != nil {
			log.Printf("operator: join attempt %d: SplitRangeRequest to %s: %v", attempt+1, target, err)
			continue
		}
		if !accepted {
			log.Printf("operator: join attempt %d: %s declined split (over ALLOW_USED_SIZE_PERCENTS)", attempt+1, target)
			continue
		}

		if err := o.installSplitRange(ctx, target, start, mid, end); err != nil {
			log.Printf("operator: join attempt %d: installing granted range: %v", attempt+1, err)
			continue
		}
		o.mu.Lock()
		o.setState(Normalwork)
		o.joinFailed = false
		o.mu.Unlock()
		return nil
	}

	o.mu.Lock()
	o.joinFailed = true
	o.mu.Unlock()
	log.Printf("operator: exhausted %d join attempts, remaining in INITIALIZE", o.cfg.DHTCycleTryCount)
	return nil
}

// pickJoinTarget implements spec §4.6 steps 1-2: choose the range to
// split, returning its owning address, its bounds, and whether the
// winning choice is this node itself (a re-take rather than a split).
func (o *Operator) pickJoinTarget() (addr string, start, end dhtkey.Key, self bool, err error) {
	o.mu.Lock()
	fresh := !o.haveLocal || o.localStart == dhtkey.Min && o.localEnd == dhtkey.Max
	failed := o.joinFailed
	curStart, curEnd := o.localStart, o.localEnd
	o.mu.Unlock()

	if fresh || failed {
		largest, ok := o.largestForeignRange()
		if !ok {
			return "", dhtkey.Key{}, dhtkey.Key{}, false, fmt.Errorf("no foreign range available to split")
		}
		if largest.Addr == o.selfAddr {
			return o.selfAddr, largest.Start, largest.End, true, nil
		}
		return largest.Addr, largest.Start, largest.End, false, nil
	}

	near, ok := o.table.FindNext(curEnd.Successor())
	if !ok {
		near, ok = o.table.GetFirst()
	}
	if !ok {
		return "", dhtkey.Key{}, dhtkey.Key{}, false, fmt.Errorf("ranges table is empty")
	}
	if near.Addr == o.selfAddr {
		return o.selfAddr, curStart, curEnd, true, nil
	}
	return near.Addr, near.Start, near.End, false, nil
}

// largestForeignRange returns the range with the greatest key span,
// ties broken by uniform random choice (spec §4.6 step 1).
func (o *Operator) largestForeignRange() (rangetable.HashRange, bool) {
	var candidates []rangetable.HashRange
	var best int = -1
	o.table.IterTable(func(r rangetable.HashRange) bool {
		span := r.Start.Distance(r.End)
		n := span.BitLen()
		if n > best {
			best = n
			candidates = []rangetable.HashRange{r}
		} else if n == best {
			candidates = append(candidates, r)
		}
		return true
	})
	if len(candidates) == 0 {
		return rangetable.HashRange{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// CheckNearRange extends the local range to close any gap to its
// right (up to the next range's start or MAX_KEY), and symmetrically
// at the left end when this node holds the lowest range (spec §4.6).
// Only meaningful in NORMALWORK.
func (o *Operator) CheckNearRange(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Normalwork || !o.haveLocal {
		o.mu.Unlock()
		return nil
	}
	start, end := o.localStart, o.localEnd
	o.mu.Unlock()

	newEnd := end
	if next, ok := o.table.FindNext(end.Successor()); ok {
		if end.Successor() != next.Start {
			newEnd = predecessor(next.Start)
		}
	} else {
		newEnd = dhtkey.Max
	}

	newStart := start
	if first, ok := o.table.GetFirst(); ok && first.Start == start {
		// this node holds the lowest range; extend toward MIN_KEY if there
		// is a gap below it.
		if start != dhtkey.Min {
			newStart = dhtkey.Min
		}
	}

	if newEnd == end && newStart == start {
		return nil
	}
	return o.setLocalRange(ctx, newStart, newEnd)
}

func predecessor(k dhtkey.Key) dhtkey.Key {
	if k == dhtkey.Min {
		return dhtkey.Max
	}
	v := k.Big()
	v.Sub(v, big.NewInt(1))
	return dhtkey.FromBig(v)
}

// StopInherited transitions to DESTROYING, broadcasts removal of the
// local range, then signals and joins the background tasks under
// DHT_STOP_TIMEOUT (spec §4.6).
func (o *Operator) StopInherited(ctx context.Context) error {
	o.mu.Lock()
	o.setState(Destroying)
	start, end, have := o.localStart, o.localEnd, o.haveLocal
	o.mu.Unlock()

	if have {
		o.broadcastUpdate(ctx, nil, []rangetable.HashRange{{Start: start, End: end, Addr: o.selfAddr}})
		_ = o.table.Remove(start)
	}

	close(o.stopCh)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(o.cfg.DHTStopTimeout()):
		return fmt.Errorf("operator: background tasks did not stop within %s", o.cfg.DHTStopTimeout())
	}
}

// Force preempts MonitorDHTRanges's sleep for immediate work (spec
// §4.6, "A force() signal preempts the sleep").
func (o *Operator) Force() {
	select {
	case o.forceCh <- struct{}{}:
	default:
	}
}

// RunCheckLocalHashTable runs the CheckLocalHashTable periodic task
// until ctx is done or StopInherited is called: every CHECK_HASH_TABLE_TIMEOUT it contacts
// the next-neighbor-by-address (or a random superior if alone) and
// reacts to the response (spec §4.6, §4.10). It also flushes the
// metadata cache every FLUSH_MD_CACHE_TIMEOUT when flushCache is set.
func (o *Operator) RunCheckLocalHashTable(ctx context.Context, flushCache func()) {
	o.wg.Add(1)
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CheckHashTableTimeout())
	defer ticker.Stop()

	var flushTicker *time.Ticker
	var flushC <-chan time.Time
	if flushCache != nil {
		flushTicker = time.NewTicker(o.cfg.FlushMDCacheTimeout())
		defer flushTicker.Stop()
		flushC = flushTicker.C
	}

	for {
		select {
		case <-ticker.C:
			o.checkLocalHashTableOnce(ctx)
		case <-flushC:
			flushCache()
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunMonitorDHTRanges runs the MonitorDHTRanges periodic task every
// MONITOR_DHT_RANGES_TIMEOUT, or immediately when Force is called
// (spec §4.6). The actual handoff and disk-pressure work (spec §4.9)
// is supplied by the caller (internal/repair) so this package stays
// scoped to scheduling and membership, not storage mechanics.
func (o *Operator) RunMonitorDHTRanges(ctx context.Context, monitor func(ctx context.Context) error) {
	o.wg.Add(1)
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MonitorDHTRangesTimeout())
	defer ticker.Stop()

	run := func() {
		if err := monitor(ctx); err != nil {
			log.Printf("operator: MonitorDHTRanges iteration failed: %v", err)
		}
	}

	for {
		select {
		case <-ticker.C:
			run()
		case <-o.forceCh:
			run()
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Operator) checkLocalHashTableOnce(ctx context.Context) {
	target, ok := o.pickNeighborByAddress()
	if !ok {
		return
	}

	o.mu.Lock()
	start, end := o.localStart, o.localEnd
	o.mu.Unlock()

	req := CheckRequest{
		SenderAddr:  o.selfAddr,
		ModIndex:    o.table.ModIndex(),
		RangesCount: o.table.Count(),
		RangeStart:  start,
		RangeEnd:    end,
	}
	resp, err := o.peer.CheckHashRangeTable(ctx, target, req)
	if err != nil {
		log.Printf("operator: CheckHashRangeTable to %s failed (treating as DONT_STARTED): %v", target, err)
		_ = o.table.Remove(start)
		time.Sleep(o.cfg.WaitDHTTableUpdate())
		_ = o.CheckNearRange(ctx)
		return
	}
	o.reactToCheckResponse(ctx, target, resp)
}

// pickNeighborByAddress returns the next node in the ring by address
// ordering after selfAddr, or a uniformly random other node if none is
// strictly greater (spec §4.6 "next-neighbor-by-address, or a random
// superior if alone").
func (o *Operator) pickNeighborByAddress() (string, bool) {
	var all []string
	seen := map[string]bool{}
	o.table.IterTable(func(r rangetable.HashRange) bool {
		if !seen[r.Addr] {
			seen[r.Addr] = true
			all = append(all, r.Addr)
		}
		return true
	})
	var next string
	for _, addr := range all {
		if addr <= o.selfAddr {
			continue
		}
		if next == "" || addr < next {
			next = addr
		}
	}
	if next != "" {
		return next, true
	}
	var others []string
	for _, addr := range all {
		if addr != o.selfAddr {
			others = append(others, addr)
		}
	}
	if len(others) == 0 {
		return "", false
	}
	return others[rand.Intn(len(others))], true
}

// reactToCheckResponse applies the caller-side reactions of spec §4.10.
func (o *Operator) reactToCheckResponse(ctx context.Context, target string, resp CheckResponse) {
	switch resp.Code {
	case dhterrors.DontStarted:
		o.mu.Lock()
		start := o.localStart
		o.mu.Unlock()
		_ = o.table.Remove(start)
		time.Sleep(o.cfg.WaitDHTTableUpdate())
		_ = o.CheckNearRange(ctx)
	case dhterrors.OK:
		o.mu.Lock()
		if o.state == Preinit {
			o.setState(Normalwork)
		}
		o.mu.Unlock()
		_ = o.CheckNearRange(ctx)
	case dhterrors.NeedUpdate:
		o.fetchFullTable(ctx, target, resp)
	default:
		// JUST_WAIT and anything else: stay put, the other side initiates.
	}
}

// fetchFullTable implements the NEED_UPDATE branch of spec §4.10,
// including the flapping debounce: if the local table already matches
// the advertised mod_index/count within RANGES_TABLE_FLAPPING_TIMEOUT,
// the fetch is aborted unless resp.Force is set.
func (o *Operator) fetchFullTable(ctx context.Context, target string, resp CheckResponse) {
	if !resp.Force {
		deadline := time.Now().Add(o.cfg.RangesTableFlappingTimeout())
		for time.Now().Before(deadline) {
			if o.table.ModIndex() == resp.ModIndex && o.table.Count() == resp.RangesCount {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	ranges, modIndex, err := o.peer.GetRangesTable(ctx, target)
	if err != nil {
		log.Printf("operator: GetRangesTable from %s failed: %v", target, err)
		return
	}
	o.table.ReplaceAll(ranges, modIndex)
}

// HandleCheckHashRangeTable implements the target-side behavior of
// spec §4.10 for an inbound CheckHashRangeTable call.
func (o *Operator) HandleCheckHashRangeTable(req CheckRequest) CheckResponse {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state == Initialize {
		return CheckResponse{Code: dhterrors.OK, Message: "not initialized yet"}
	}

	own, found := o.table.Find(req.RangeStart)
	ownModIndex := o.table.ModIndex()
	ownCount := o.table.Count()

	if !found {
		if req.RangesCount < ownCount {
			return CheckResponse{Code: dhterrors.NeedUpdate, ModIndex: ownModIndex, RangesCount: ownCount}
		}
		if req.RangesCount == ownCount && req.ModIndex == ownModIndex {
			if o.selfAddr > req.SenderAddr {
				return CheckResponse{Code: dhterrors.NeedUpdate, ModIndex: ownModIndex, RangesCount: ownCount, Force: true}
			}
			return CheckResponse{Code: dhterrors.JustWait}
		}
		return CheckResponse{Code: dhterrors.NeedUpdate, ModIndex: ownModIndex, RangesCount: ownCount}
	}

	if req.ModIndex >= ownModIndex && own.Addr == req.SenderAddr {
		return CheckResponse{Code: dhterrors.OK}
	}
	return CheckResponse{Code: dhterrors.NeedUpdate, ModIndex: ownModIndex, RangesCount: ownCount}
}
