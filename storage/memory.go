package storage

import (
	"context"

	"sumtree/mssmt"
)

// MemoryStore keeps every namespace's records in process maps. It backs
// tests and ephemeral trees with exactly the durable backends' semantics,
// down to storing encoded records rather than live nodes. The store itself
// is unsynchronized; wrap it in a SharedStore when goroutines share it.
type MemoryStore struct {
	namespace string
	trees     map[string]*memoryTree
}

type memoryTree struct {
	branches  map[mssmt.NodeHash][]byte
	leaves    map[mssmt.NodeHash][]byte
	compacted map[mssmt.NodeHash][]byte
	root      *mssmt.NodeHash
}

// NewMemoryStore creates an empty store bound to the given namespace.
func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{
		namespace: namespace,
		trees:     make(map[string]*memoryTree),
	}
}

func (s *MemoryStore) tree() *memoryTree {
	t, ok := s.trees[s.namespace]
	if !ok {
		t = &memoryTree{
			branches:  make(map[mssmt.NodeHash][]byte),
			leaves:    make(map[mssmt.NodeHash][]byte),
			compacted: make(map[mssmt.NodeHash][]byte),
		}
		s.trees[s.namespace] = t
	}
	return t
}

func (t *memoryTree) branchRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	rec, ok := t.branches[hash]
	return rec, ok, nil
}

func (t *memoryTree) leafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	rec, ok := t.leaves[hash]
	return rec, ok, nil
}

func (t *memoryTree) compactedLeafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	rec, ok := t.compacted[hash]
	return rec, ok, nil
}

// SetNamespace implements mssmt.TreeStore.
func (s *MemoryStore) SetNamespace(namespace string) {
	s.namespace = namespace
}

// RootNode implements mssmt.TreeStore.
func (s *MemoryStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	t := s.tree()
	if t.root == nil {
		return nil, false, nil
	}
	root, err := rootBranch(t, *t.root)
	if err != nil {
		return nil, false, err
	}
	return root, true, nil
}

// GetChildren implements mssmt.TreeStore.
func (s *MemoryStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	return getChildren(s.tree(), height, key)
}

// GetLeaf implements mssmt.TreeStore.
func (s *MemoryStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	rec, ok := s.tree().leaves[key]
	if !ok {
		return nil, false, nil
	}
	leaf, err := decodeLeafRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return leaf, true, nil
}

// InsertLeaf implements mssmt.TreeStore.
func (s *MemoryStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	s.tree().leaves[leaf.NodeHash()] = encodeLeafRecord(leaf)
	return nil
}

// InsertBranch implements mssmt.TreeStore.
func (s *MemoryStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	s.tree().branches[branch.NodeHash()] = encodeBranchRecord(branch)
	return nil
}

// InsertCompactedLeaf implements mssmt.TreeStore.
func (s *MemoryStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	s.tree().compacted[leaf.NodeHash()] = encodeCompactedLeafRecord(leaf)
	return nil
}

// DeleteLeaf implements mssmt.TreeStore.
func (s *MemoryStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	delete(s.tree().leaves, key)
	return nil
}

// DeleteBranch implements mssmt.TreeStore.
func (s *MemoryStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	delete(s.tree().branches, key)
	return nil
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s *MemoryStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	delete(s.tree().compacted, key)
	return nil
}

// UpdateRoot implements mssmt.TreeStore.
func (s *MemoryStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	t := s.tree()
	hash := root.NodeHash()
	if hash == mssmt.EmptyTree[0].NodeHash() {
		t.root = nil
		return nil
	}
	t.root = &hash
	return nil
}
