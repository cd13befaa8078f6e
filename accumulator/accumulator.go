package accumulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"sumtree/mssmt"
	"sumtree/observability"
)

var (
	// ErrUnknownUnit is returned for units the current params do not allow.
	ErrUnknownUnit = errors.New("accumulator: unit not configured")

	// ErrZeroAmount is returned when an operation carries no amount.
	ErrZeroAmount = errors.New("accumulator: amount must be positive")

	// ErrCapExceeded is returned when an issue would push the outstanding
	// sum past the unit's configured cap.
	ErrCapExceeded = errors.New("accumulator: issuance cap exceeded")

	// ErrSumOverflow is returned when an issue would overflow the uint64
	// sum domain.
	ErrSumOverflow = errors.New("accumulator: outstanding sum would overflow")

	// ErrAlreadyIssued is returned when the exact liability is already
	// outstanding.
	ErrAlreadyIssued = errors.New("accumulator: liability already outstanding")

	// ErrNotIssued is returned when a redeem references a liability that is
	// not outstanding.
	ErrNotIssued = errors.New("accumulator: liability not outstanding")

	// ErrSumMismatch is returned by VerifySubtree when a stored branch sum
	// disagrees with its children.
	ErrSumMismatch = errors.New("accumulator: branch sum does not match children")
)

// Accumulator tracks outstanding liabilities per currency unit in a merkle
// sum tree. Each unit lives in its own store namespace; the root sum of a
// namespace is the unit's total outstanding amount.
//
// All tree operations serialize on one mutex. Policy reads go through
// atomic snapshots and never block behind tree work.
type Accumulator struct {
	mu    sync.Mutex
	store mssmt.TreeStore
	tree  mssmt.Tree

	journal  *Journal
	log      *slog.Logger
	params   atomic.Pointer[Params]
	eventSeq uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New builds an accumulator over the given store. The journal may be nil
// when no audit trail is configured.
func New(store mssmt.TreeStore, journal *Journal, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	acc := &Accumulator{
		store:   store,
		tree:    mssmt.NewCompactedTree(store),
		journal: journal,
		log:     logger,
	}
	if journal != nil {
		acc.eventSeq = journal.Seq()
	}
	acc.params.Store(DefaultParams())
	return acc
}

// Params returns the current policy snapshot.
func (a *Accumulator) Params() *Params {
	return a.params.Load()
}

// SetParams publishes a new policy snapshot. The input is cloned; callers
// may keep mutating their copy.
func (a *Accumulator) SetParams(p *Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.params.Store(p.Clone())
	return nil
}

// Units lists the allowed units in sorted order.
func (a *Accumulator) Units() []string {
	return a.Params().UnitNames()
}

// Issue records a new outstanding liability of the given amount under the
// unit and returns the resulting event. The tree mutation commits before
// the journal append; a journal failure therefore surfaces as an error for
// an operation whose tree effect already holds.
func (a *Accumulator) Issue(ctx context.Context, unit string, value []byte, amount uint64) (ev Event, err error) {
	unit = normalizeUnit(unit)
	start := time.Now()
	defer func() {
		observability.Accumulator().Observe(unit, string(OpIssue), time.Since(start), metricReason(err))
	}()

	if amount == 0 {
		return Event{}, ErrZeroAmount
	}
	policy, ok := a.Params().policy(unit)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	leaf := mssmt.NewLeafNode(value, amount)
	key := leaf.NodeHash()
	if _, exists, lookupErr := a.store.GetLeaf(ctx, key); lookupErr != nil {
		return Event{}, lookupErr
	} else if exists {
		return Event{}, fmt.Errorf("%w: leaf %s", ErrAlreadyIssued, key)
	}

	root, rootErr := a.tree.Root(ctx)
	if rootErr != nil {
		return Event{}, rootErr
	}
	outstanding := root.NodeSum()
	if outstanding > math.MaxUint64-amount {
		return Event{}, ErrSumOverflow
	}
	if policy.Cap > 0 && outstanding+amount > policy.Cap {
		return Event{}, fmt.Errorf(
			"%w: unit %q outstanding %d + %d > cap %d",
			ErrCapExceeded, unit, outstanding, amount, policy.Cap,
		)
	}

	if err = a.tree.Insert(ctx, key, leaf); err != nil {
		return Event{}, err
	}
	return a.finishMutation(ctx, unit, OpIssue, amount, key, policy)
}

// Redeem removes an outstanding liability. The value and amount must match
// the issued leaf exactly; the leaf hash commits to both.
func (a *Accumulator) Redeem(ctx context.Context, unit string, value []byte, amount uint64) (ev Event, err error) {
	unit = normalizeUnit(unit)
	start := time.Now()
	defer func() {
		observability.Accumulator().Observe(unit, string(OpRedeem), time.Since(start), metricReason(err))
	}()

	if amount == 0 {
		return Event{}, ErrZeroAmount
	}
	policy, ok := a.Params().policy(unit)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	leaf := mssmt.NewLeafNode(value, amount)
	key := leaf.NodeHash()
	if _, exists, lookupErr := a.store.GetLeaf(ctx, key); lookupErr != nil {
		return Event{}, lookupErr
	} else if !exists {
		return Event{}, fmt.Errorf("%w: leaf %s", ErrNotIssued, key)
	}

	if err = a.tree.Delete(ctx, key); err != nil {
		return Event{}, err
	}
	return a.finishMutation(ctx, unit, OpRedeem, amount, key, policy)
}

// finishMutation reads back the committed root, journals the event, updates
// gauges, and fans the event out to subscribers. Callers hold a.mu.
func (a *Accumulator) finishMutation(ctx context.Context, unit string, op EntryOp, amount uint64, key mssmt.NodeHash, policy UnitPolicy) (Event, error) {
	root, err := a.tree.Root(ctx)
	if err != nil {
		return Event{}, err
	}

	a.eventSeq++
	ev := Event{
		Seq:      a.eventSeq,
		Unit:     unit,
		Op:       op,
		Amount:   amount,
		LeafHash: key,
		RootHash: root.NodeHash(),
		RootSum:  root.NodeSum(),
	}
	if a.journal != nil {
		entry, appendErr := a.journal.Append(ctx, ev)
		if appendErr != nil {
			a.log.Error("journal append failed after tree commit",
				"unit", unit, "op", string(op), "leaf", key.String(),
				"error", appendErr)
			return Event{}, appendErr
		}
		a.eventSeq = entry.Seq
		ev.Seq = entry.Seq
	}

	observability.Accumulator().SetOutstanding(unit, ev.RootSum)
	observability.Accumulator().RecordCap(unit, ev.RootSum, policy.Cap)
	a.log.Info("liability updated",
		"unit", unit, "op", string(op), "amount", amount,
		"leaf", key.String(), "root", ev.RootHash.String(),
		"outstanding", ev.RootSum)

	a.broadcast(ev)
	return ev, nil
}

// Outstanding returns the unit's total outstanding sum and the root hash
// committing to it.
func (a *Accumulator) Outstanding(ctx context.Context, unit string) (uint64, mssmt.NodeHash, error) {
	unit = normalizeUnit(unit)
	if _, ok := a.Params().policy(unit); !ok {
		return 0, mssmt.NodeHash{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	root, err := a.tree.Root(ctx)
	if err != nil {
		return 0, mssmt.NodeHash{}, err
	}
	return root.NodeSum(), root.NodeHash(), nil
}

// Contains reports whether the exact liability is outstanding.
func (a *Accumulator) Contains(ctx context.Context, unit string, value []byte, amount uint64) (bool, error) {
	unit = normalizeUnit(unit)
	if _, ok := a.Params().policy(unit); !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	leaf := mssmt.NewLeafNode(value, amount)
	_, ok, err := a.store.GetLeaf(ctx, leaf.NodeHash())
	return ok, err
}

// Prove returns a merkle proof for the leaf key under the unit, the root it
// verifies against, and the stored leaf when the key is outstanding (nil
// for a non-inclusion proof).
func (a *Accumulator) Prove(ctx context.Context, unit string, key mssmt.Key) (*mssmt.Proof, *mssmt.BranchNode, *mssmt.LeafNode, error) {
	unit = normalizeUnit(unit)
	if _, ok := a.Params().policy(unit); !ok {
		return nil, nil, nil, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	proof, err := a.tree.MerkleProof(ctx, key)
	if err != nil {
		return nil, nil, nil, err
	}
	root, err := a.tree.Root(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	leaf, ok, err := a.store.GetLeaf(ctx, key)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		leaf = nil
	}
	return proof, root, leaf, nil
}

// VerifySubtree walks every branch reachable from the unit's recorded root
// and checks the sum invariant against the children the store hands back.
func (a *Accumulator) VerifySubtree(ctx context.Context, unit string) error {
	unit = normalizeUnit(unit)
	if _, ok := a.Params().policy(unit); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.SetNamespace(unit)

	root, ok, err := a.store.RootNode(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return a.checkBranchSums(ctx, 0, root)
}

func (a *Accumulator) checkBranchSums(ctx context.Context, height int, node mssmt.Node) error {
	if height >= mssmt.MaxTreeLevels {
		return nil
	}
	if mssmt.IsEqualNode(node, mssmt.EmptyTree[height]) {
		return nil
	}
	switch node.(type) {
	case *mssmt.LeafNode, *mssmt.CompactedLeafNode:
		return nil
	}

	left, right, err := a.store.GetChildren(ctx, height, node.NodeHash())
	if err != nil {
		return fmt.Errorf("verify height %d: %w", height, err)
	}
	if node.NodeSum() != left.NodeSum()+right.NodeSum() {
		return fmt.Errorf("%w: height %d node %s", ErrSumMismatch, height, node.NodeHash())
	}
	if err := a.checkBranchSums(ctx, height+1, left); err != nil {
		return err
	}
	return a.checkBranchSums(ctx, height+1, right)
}

// Subscribe registers for liability events. The backlog holds journaled
// events with sequence numbers greater than afterSeq; live events follow on
// the channel. Slow subscribers miss events rather than block mutations.
// The cancel function releases the subscription.
func (a *Accumulator) Subscribe(ctx context.Context, afterSeq uint64) (<-chan Event, func(), []Event, error) {
	// Register before reading the backlog so a mutation landing in
	// between reaches the channel; whatever the backlog already covers
	// is filtered out of the live feed below.
	live := make(chan Event, 32)
	a.subMu.Lock()
	if a.subs == nil {
		a.subs = make(map[int]chan Event)
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = live
	a.subMu.Unlock()

	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}

	var backlog []Event
	if a.journal != nil {
		entries, err := a.journal.Entries(ctx, afterSeq, 0)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		backlog = make([]Event, 0, len(entries))
		for i := range entries {
			ev, err := entries[i].Event()
			if err != nil {
				cancel()
				return nil, nil, nil, err
			}
			backlog = append(backlog, ev)
		}
	}

	floor := afterSeq
	if n := len(backlog); n > 0 {
		floor = backlog[n-1].Seq
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for ev := range live {
			if ev.Seq <= floor {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out, cancel, backlog, nil
}

func (a *Accumulator) broadcast(ev Event) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// metricReason folds an operation error into the small label set the error
// counter is segmented by.
func metricReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownUnit):
		return "unknown_unit"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrSumOverflow):
		return "sum_overflow"
	case errors.Is(err, ErrAlreadyIssued):
		return "already_issued"
	case errors.Is(err, ErrNotIssued):
		return "not_issued"
	default:
		return "storage"
	}
}
