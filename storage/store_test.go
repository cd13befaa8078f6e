package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sumtree/mssmt"
)

// storeCase describes one backend under conformance test. strictInserts
// marks backends that report duplicate branch and compacted leaf inserts
// instead of overwriting in place.
type storeCase struct {
	name          string
	strictInserts bool
	open          func(t *testing.T, namespace string) mssmt.TreeStore
}

func storeCases() []storeCase {
	return []storeCase{
		{
			name: "memory",
			open: func(t *testing.T, ns string) mssmt.TreeStore {
				return NewMemoryStore(ns)
			},
		},
		{
			name: "shared",
			open: func(t *testing.T, ns string) mssmt.TreeStore {
				return NewSharedStore(NewMemoryStore(ns))
			},
		},
		{
			name: "bolt",
			open: func(t *testing.T, ns string) mssmt.TreeStore {
				store, err := NewBoltStore(
					filepath.Join(t.TempDir(), "mssmt.db"), ns, nil,
				)
				require.NoError(t, err)
				t.Cleanup(func() { require.NoError(t, store.Close()) })
				return store
			},
		},
		{
			name: "leveldb",
			open: func(t *testing.T, ns string) mssmt.TreeStore {
				store, err := NewLevelDBStore(
					filepath.Join(t.TempDir(), "mssmt-ldb"), ns,
				)
				require.NoError(t, err)
				t.Cleanup(func() { require.NoError(t, store.Close()) })
				return store
			},
		},
		{
			name:          "sqlite",
			strictInserts: true,
			open: func(t *testing.T, ns string) mssmt.TreeStore {
				dsn, err := FileDSN(filepath.Join(t.TempDir(), "mssmt.sqlite"))
				require.NoError(t, err)
				store, err := NewSQLStore(dsn, ns)
				require.NoError(t, err)
				t.Cleanup(func() { require.NoError(t, store.Close()) })
				return store
			},
		},
	}
}

func testLeaf(i byte) *mssmt.LeafNode {
	return mssmt.NewLeafNode(bytes.Repeat([]byte{i + 1}, 16), uint64(i+1)*3)
}

func insertTestLeaves(t *testing.T, tree mssmt.Tree, n byte) {
	t.Helper()
	ctx := context.Background()
	for i := byte(0); i < n; i++ {
		leaf := testLeaf(i)
		require.NoError(t, tree.Insert(ctx, leaf.NodeHash(), leaf))
	}
}

// TestStoreTreeRootAgreement pins every backend to the root an in-memory
// full tree derives for the same leaf set. Compaction and the storage
// encoding must both be invisible in the committed root.
func TestStoreTreeRootAgreement(t *testing.T) {
	ctx := context.Background()

	reference := mssmt.NewFullTree(NewMemoryStore("default"))
	insertTestLeaves(t, reference, 8)
	want, err := reference.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(108), want.NodeSum())

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			tree := mssmt.NewCompactedTree(tc.open(t, "default"))
			insertTestLeaves(t, tree, 8)

			got, err := tree.Root(ctx)
			require.NoError(t, err)
			require.True(t, mssmt.IsEqualNode(want, got))
		})
	}
}

func TestStoreNamespaceIsolation(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "alpha")
			tree := mssmt.NewCompactedTree(store)
			insertTestLeaves(t, tree, 3)
			alphaRoot, err := tree.Root(ctx)
			require.NoError(t, err)

			store.SetNamespace("beta")
			_, ok, err := store.RootNode(ctx)
			require.NoError(t, err)
			require.False(t, ok)

			betaLeaf := testLeaf(9)
			require.NoError(t, tree.Insert(ctx, betaLeaf.NodeHash(), betaLeaf))
			betaRoot, err := tree.Root(ctx)
			require.NoError(t, err)
			require.False(t, mssmt.IsEqualNode(alphaRoot, betaRoot))

			store.SetNamespace("alpha")
			root, err := tree.Root(ctx)
			require.NoError(t, err)
			require.True(t, mssmt.IsEqualNode(alphaRoot, root))

			// The beta leaf must not leak into alpha.
			_, ok, err = store.GetLeaf(ctx, betaLeaf.NodeHash())
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoreEmptyNamespace(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "default")

			_, ok, err := store.RootNode(ctx)
			require.NoError(t, err)
			require.False(t, ok)

			// Empty subtrees resolve to default nodes without any
			// records being present.
			for _, height := range []int{0, 100, mssmt.MaxTreeLevels - 1} {
				left, right, err := store.GetChildren(
					ctx, height, mssmt.EmptyTree[height].NodeHash(),
				)
				require.NoError(t, err)
				require.True(t, mssmt.IsEqualNode(mssmt.EmptyTree[height+1], left))
				require.True(t, mssmt.IsEqualNode(mssmt.EmptyTree[height+1], right))
			}

			leaf := testLeaf(0)
			_, ok, err = store.GetLeaf(ctx, leaf.NodeHash())
			require.NoError(t, err)
			require.False(t, ok)

			// Deletes of absent nodes are no-ops on every backend.
			require.NoError(t, store.DeleteLeaf(ctx, leaf.NodeHash()))
			require.NoError(t, store.DeleteBranch(ctx, leaf.NodeHash()))
			require.NoError(t, store.DeleteCompactedLeaf(ctx, leaf.NodeHash()))
		})
	}
}

func TestStoreGetChildrenErrors(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "default")

			var unknown mssmt.NodeHash
			unknown[0] = 0xab
			_, _, err := store.GetChildren(ctx, 17, unknown)
			require.ErrorIs(t, err, mssmt.ErrNodeNotFound)

			leaf := testLeaf(1)
			require.NoError(t, store.InsertLeaf(ctx, leaf))
			_, _, err = store.GetChildren(ctx, 40, leaf.NodeHash())
			require.ErrorIs(t, err, mssmt.ErrExpectedBranch)
		})
	}
}

func TestStoreInsertConflicts(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "default")

			// Leaf inserts are idempotent everywhere.
			leaf := testLeaf(2)
			require.NoError(t, store.InsertLeaf(ctx, leaf))
			require.NoError(t, store.InsertLeaf(ctx, leaf))
			got, ok, err := store.GetLeaf(ctx, leaf.NodeHash())
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, mssmt.IsEqualNode(leaf, got))

			branch := mssmt.NewBranch(testLeaf(3), testLeaf(4))
			require.NoError(t, store.InsertBranch(ctx, branch))
			err = store.InsertBranch(ctx, branch)

			var key mssmt.Key
			key[7] = 0x11
			compacted := mssmt.NewCompactedLeafNode(20, &key, testLeaf(5))
			require.NoError(t, store.InsertCompactedLeaf(ctx, compacted))
			errCompacted := store.InsertCompactedLeaf(ctx, compacted)

			if tc.strictInserts {
				require.ErrorIs(t, err, mssmt.ErrAlreadyExists)
				require.ErrorIs(t, errCompacted, mssmt.ErrAlreadyExists)
			} else {
				require.NoError(t, err)
				require.NoError(t, errCompacted)
			}
		})
	}
}

func TestStoreUpdateRootClearsOnEmpty(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "default")
			tree := mssmt.NewCompactedTree(store)

			leaf := testLeaf(6)
			require.NoError(t, tree.Insert(ctx, leaf.NodeHash(), leaf))
			_, ok, err := store.RootNode(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, tree.Delete(ctx, leaf.NodeHash()))
			_, ok, err = store.RootNode(ctx)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

// TestStoreSumInvariant walks every branch a backend hands back and
// checks the parent sum against the children, all the way down.
func TestStoreSumInvariant(t *testing.T) {
	ctx := context.Background()

	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t, "default")
			tree := mssmt.NewCompactedTree(store)
			insertTestLeaves(t, tree, 8)

			root, ok, err := store.RootNode(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			verifySubtreeSums(t, store, 0, root)
		})
	}
}

func verifySubtreeSums(t *testing.T, store mssmt.TreeStore, height int, node mssmt.Node) {
	t.Helper()

	if height >= mssmt.MaxTreeLevels {
		return
	}
	if mssmt.IsEqualNode(node, mssmt.EmptyTree[height]) {
		return
	}
	switch node.(type) {
	case *mssmt.LeafNode, *mssmt.CompactedLeafNode:
		return
	}

	left, right, err := store.GetChildren(context.Background(), height, node.NodeHash())
	require.NoError(t, err)
	require.Equal(t, node.NodeSum(), left.NodeSum()+right.NodeSum())

	verifySubtreeSums(t, store, height+1, left)
	verifySubtreeSums(t, store, height+1, right)
}

// TestStoreReopen closes each durable backend and reopens it from the
// same path, expecting the committed tree to survive intact.
func TestStoreReopen(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		open func(t *testing.T, path string) (mssmt.TreeStore, func() error)
	}{
		{
			name: "bolt",
			open: func(t *testing.T, path string) (mssmt.TreeStore, func() error) {
				store, err := NewBoltStore(path, "default", nil)
				require.NoError(t, err)
				return store, store.Close
			},
		},
		{
			name: "leveldb",
			open: func(t *testing.T, path string) (mssmt.TreeStore, func() error) {
				store, err := NewLevelDBStore(path, "default")
				require.NoError(t, err)
				return store, store.Close
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, path string) (mssmt.TreeStore, func() error) {
				dsn, err := FileDSN(path)
				require.NoError(t, err)
				store, err := NewSQLStore(dsn, "default")
				require.NoError(t, err)
				return store, store.Close
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mssmt-store")

			store, closeStore := tc.open(t, path)
			tree := mssmt.NewCompactedTree(store)
			insertTestLeaves(t, tree, 8)
			want, err := tree.Root(ctx)
			require.NoError(t, err)
			require.NoError(t, closeStore())

			store, closeStore = tc.open(t, path)
			defer func() { require.NoError(t, closeStore()) }()

			root, ok, err := store.RootNode(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, mssmt.IsEqualNode(want, root))

			// Reads keep working against the reopened store.
			tree = mssmt.NewCompactedTree(store)
			leaf := testLeaf(3)
			got, err := tree.Get(ctx, leaf.NodeHash())
			require.NoError(t, err)
			require.True(t, mssmt.IsEqualNode(leaf, got))
		})
	}
}

func TestSharedStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	shared := NewSharedStore(NewMemoryStore("default"))

	const workers = 8
	const perWorker = 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		// Each worker writes through its own copy of the handle; the
		// guard travels with the copies.
		go func(store SharedStore, w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				leaf := mssmt.NewLeafNode(
					[]byte{byte(w), byte(i)}, uint64(w*perWorker+i+1),
				)
				if err := store.InsertLeaf(ctx, leaf); err != nil {
					t.Error(err)
					return
				}
			}
		}(shared, w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			leaf := mssmt.NewLeafNode(
				[]byte{byte(w), byte(i)}, uint64(w*perWorker+i+1),
			)
			_, ok, err := shared.GetLeaf(ctx, leaf.NodeHash())
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
}

func TestCodecRejectsCorruptRecords(t *testing.T) {
	_, _, _, err := decodeBranchRecord(make([]byte, branchRecordLen-1))
	require.ErrorIs(t, err, mssmt.ErrCorruptedRecord)

	_, err = decodeLeafRecord(make([]byte, sumLen-1))
	require.ErrorIs(t, err, mssmt.ErrCorruptedRecord)

	var hash mssmt.NodeHash
	_, err = decodeCompactedLeafRecord(hash, make([]byte, hashLen))
	require.ErrorIs(t, err, mssmt.ErrCorruptedRecord)
}

func TestCodecRoundTrips(t *testing.T) {
	branch := mssmt.NewBranch(testLeaf(1), testLeaf(2))
	left, right, sum, err := decodeBranchRecord(encodeBranchRecord(branch))
	require.NoError(t, err)
	require.Equal(t, branch.Left.NodeHash(), left)
	require.Equal(t, branch.Right.NodeHash(), right)
	require.Equal(t, branch.NodeSum(), sum)

	leaf := testLeaf(3)
	gotLeaf, err := decodeLeafRecord(encodeLeafRecord(leaf))
	require.NoError(t, err)
	require.True(t, mssmt.IsEqualNode(leaf, gotLeaf))

	var key mssmt.Key
	key[12] = 0x5a
	compacted := mssmt.NewCompactedLeafNode(33, &key, leaf)
	gotCompacted, err := decodeCompactedLeafRecord(
		compacted.NodeHash(), encodeCompactedLeafRecord(compacted),
	)
	require.NoError(t, err)
	require.True(t, mssmt.IsEqualNode(compacted, gotCompacted))
	require.Equal(t, key, gotCompacted.Key())
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("")
	require.ErrorIs(t, err, ErrPathRequired)

	dsn, err := FileDSN("/tmp/liabilities.sqlite")
	require.NoError(t, err)
	require.Contains(t, dsn, "/tmp/liabilities.sqlite")
	require.Contains(t, dsn, "busy_timeout")
	require.Contains(t, dsn, "journal_mode(WAL)")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "mssmt.sqlite"))
	require.NoError(t, err)

	store, err := NewSQLStore(dsn, "default")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A second open must find the schema current and change nothing.
	store, err = NewSQLStore(dsn, "default")
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
