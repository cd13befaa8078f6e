package accumulator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sumtree/mssmt"
	"sumtree/storage"
)

func newTestAccumulator(t *testing.T, params *Params) *Accumulator {
	t.Helper()

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, journal.Close()) })

	acc := New(storage.NewSharedStore(storage.NewMemoryStore("sat")), journal, nil)
	if params != nil {
		require.NoError(t, acc.SetParams(params))
	}
	return acc
}

func TestAccumulatorIssueAndOutstanding(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	amounts := []uint64{4, 32, 64}
	var total uint64
	for i, amount := range amounts {
		ev, err := acc.Issue(ctx, "sat", []byte{byte(i + 1)}, amount)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), ev.Seq)
		require.Equal(t, OpIssue, ev.Op)
		total += amount
		require.Equal(t, total, ev.RootSum)
	}

	sum, root, err := acc.Outstanding(ctx, "sat")
	require.NoError(t, err)
	require.Equal(t, total, sum)
	require.NotEqual(t, mssmt.EmptyTree[0].NodeHash(), root)

	ok, err := acc.Contains(ctx, "sat", []byte{1}, 4)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = acc.Contains(ctx, "sat", []byte{1}, 5)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, acc.VerifySubtree(ctx, "sat"))
}

func TestAccumulatorRejectsBadIssues(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{1}, 0)
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = acc.Issue(ctx, "usd", []byte{1}, 10)
	require.ErrorIs(t, err, ErrUnknownUnit)

	_, err = acc.Issue(ctx, "sat", []byte{1}, 10)
	require.NoError(t, err)
	_, err = acc.Issue(ctx, "sat", []byte{1}, 10)
	require.ErrorIs(t, err, ErrAlreadyIssued)
}

func TestAccumulatorEnforcesCap(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, &Params{
		Units: map[string]UnitPolicy{"sat": {Cap: 100}},
	})

	_, err := acc.Issue(ctx, "sat", []byte{1}, 60)
	require.NoError(t, err)

	_, err = acc.Issue(ctx, "sat", []byte{2}, 50)
	require.ErrorIs(t, err, ErrCapExceeded)

	// Redeeming frees headroom under the cap.
	_, err = acc.Redeem(ctx, "sat", []byte{1}, 60)
	require.NoError(t, err)
	_, err = acc.Issue(ctx, "sat", []byte{2}, 50)
	require.NoError(t, err)
}

func TestAccumulatorRedeem(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{7}, 25)
	require.NoError(t, err)

	// The leaf hash commits to value and amount together; a mismatched
	// amount is an unknown liability.
	_, err = acc.Redeem(ctx, "sat", []byte{7}, 26)
	require.ErrorIs(t, err, ErrNotIssued)

	ev, err := acc.Redeem(ctx, "sat", []byte{7}, 25)
	require.NoError(t, err)
	require.Equal(t, OpRedeem, ev.Op)
	require.Zero(t, ev.RootSum)
	require.Equal(t, mssmt.EmptyTree[0].NodeHash(), ev.RootHash)

	_, err = acc.Redeem(ctx, "sat", []byte{7}, 25)
	require.ErrorIs(t, err, ErrNotIssued)
}

func TestAccumulatorUnitIsolation(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, &Params{
		Units: map[string]UnitPolicy{"sat": {}, "usd": {}},
	})

	_, err := acc.Issue(ctx, "sat", []byte{1}, 100)
	require.NoError(t, err)
	_, err = acc.Issue(ctx, "usd", []byte{1}, 7)
	require.NoError(t, err)

	satSum, _, err := acc.Outstanding(ctx, "sat")
	require.NoError(t, err)
	require.Equal(t, uint64(100), satSum)

	usdSum, _, err := acc.Outstanding(ctx, "usd")
	require.NoError(t, err)
	require.Equal(t, uint64(7), usdSum)
}

func TestAccumulatorProve(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{9}, 40)
	require.NoError(t, err)

	leaf := mssmt.NewLeafNode([]byte{9}, 40)
	key := leaf.NodeHash()

	proof, root, stored, err := acc.Prove(ctx, "sat", key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, mssmt.VerifyMerkleProof(key, stored, proof, root))

	var absent mssmt.Key
	absent[0] = 0x99
	proof, root, stored, err = acc.Prove(ctx, "sat", absent)
	require.NoError(t, err)
	require.Nil(t, stored)
	require.True(t, mssmt.VerifyMerkleProof(absent, mssmt.EmptyLeafNode, proof, root))
}

func TestAccumulatorJournalsMutations(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{1}, 10)
	require.NoError(t, err)
	_, err = acc.Redeem(ctx, "sat", []byte{1}, 10)
	require.NoError(t, err)

	require.NoError(t, acc.journal.Verify(ctx))

	entries, err := acc.journal.Entries(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, OpIssue, entries[0].Op)
	require.Equal(t, OpRedeem, entries[1].Op)
	require.Equal(t, entries[0].LeafHash, entries[1].LeafHash)
}

func TestAccumulatorSubscribe(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{1}, 5)
	require.NoError(t, err)

	events, cancel, backlog, err := acc.Subscribe(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.Equal(t, OpIssue, backlog[0].Op)

	_, err = acc.Issue(ctx, "sat", []byte{2}, 6)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, uint64(2), ev.Seq)
		require.Equal(t, uint64(6), ev.Amount)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, ok := <-events
	require.False(t, ok)

	// Broadcasts after cancel must not panic or block.
	_, err = acc.Issue(ctx, "sat", []byte{3}, 7)
	require.NoError(t, err)
}

// TestAccumulatorSubscribeDropsReplayedEvents pins the handoff between the
// backlog and the live channel: an event broadcast while the backlog read is
// still in flight shows up in exactly one of the two.
func TestAccumulatorSubscribeDropsReplayedEvents(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccumulator(t, nil)

	_, err := acc.Issue(ctx, "sat", []byte{1}, 5)
	require.NoError(t, err)

	events, cancel, backlog, err := acc.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer cancel()
	require.Len(t, backlog, 1)

	// A broadcast of an event the backlog already covers must not reach
	// the subscriber again.
	acc.broadcast(backlog[0])

	_, err = acc.Issue(ctx, "sat", []byte{2}, 6)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, uint64(2), ev.Seq)
		require.Equal(t, uint64(6), ev.Amount)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

// TestAccumulatorRelationalStore drives the full issue/redeem cycle with the
// tree on the relational backend and the journal in the same process, the
// way sumtreed wires a sqlite deployment.
func TestAccumulatorRelationalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dsn, err := storage.FileDSN(filepath.Join(dir, "tree.sqlite"))
	require.NoError(t, err)
	store, err := storage.NewSQLStore(dsn, "sat")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	journal, err := OpenJournal(filepath.Join(dir, "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, journal.Close()) })

	acc := New(storage.NewSharedStore(store), journal, nil)

	_, err = acc.Issue(ctx, "sat", []byte{1}, 12)
	require.NoError(t, err)
	_, err = acc.Issue(ctx, "sat", []byte{2}, 30)
	require.NoError(t, err)

	ok, err := acc.Contains(ctx, "sat", []byte{1}, 12)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = acc.Issue(ctx, "sat", []byte{1}, 12)
	require.ErrorIs(t, err, ErrAlreadyIssued)

	_, err = acc.Redeem(ctx, "sat", []byte{1}, 12)
	require.NoError(t, err)
	ok, err = acc.Contains(ctx, "sat", []byte{1}, 12)
	require.NoError(t, err)
	require.False(t, ok)

	sum, _, err := acc.Outstanding(ctx, "sat")
	require.NoError(t, err)
	require.Equal(t, uint64(30), sum)
	require.NoError(t, acc.VerifySubtree(ctx, "sat"))
}

func TestAccumulatorParamsSwap(t *testing.T) {
	acc := newTestAccumulator(t, nil)

	require.Error(t, acc.SetParams(&Params{}))
	require.Error(t, acc.SetParams(&Params{
		Units: map[string]UnitPolicy{"SAT": {}},
	}))

	next := &Params{Units: map[string]UnitPolicy{"sat": {}, "msat": {Cap: 9}}}
	require.NoError(t, acc.SetParams(next))
	require.Equal(t, []string{"msat", "sat"}, acc.Units())

	// Published snapshots are detached from the caller's copy.
	next.Units["eur"] = UnitPolicy{}
	require.Equal(t, []string{"msat", "sat"}, acc.Units())
}
