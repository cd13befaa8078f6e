package storage

import (
	"context"
	"sync"

	"sumtree/mssmt"
)

// SharedStore makes one underlying store safe to hand to many goroutines by
// serializing every contract call behind a shared mutex. The guard is held
// for exactly one underlying call at a time, never across a sequence, so
// multi-call tree operations interleave; callers needing a frozen view
// coordinate above this layer. Copies of a SharedStore share the store and
// the guard.
type SharedStore struct {
	mu    *sync.Mutex
	store mssmt.TreeStore
}

// NewSharedStore wraps store behind a fresh guard.
func NewSharedStore(store mssmt.TreeStore) SharedStore {
	return SharedStore{mu: &sync.Mutex{}, store: store}
}

// SetNamespace implements mssmt.TreeStore. The switch is visible through
// every copy of the handle.
func (s SharedStore) SetNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.SetNamespace(namespace)
}

// RootNode implements mssmt.TreeStore.
func (s SharedStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.RootNode(ctx)
}

// GetChildren implements mssmt.TreeStore.
func (s SharedStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetChildren(ctx, height, key)
}

// GetLeaf implements mssmt.TreeStore.
func (s SharedStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetLeaf(ctx, key)
}

// InsertLeaf implements mssmt.TreeStore.
func (s SharedStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.InsertLeaf(ctx, leaf)
}

// InsertBranch implements mssmt.TreeStore.
func (s SharedStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.InsertBranch(ctx, branch)
}

// InsertCompactedLeaf implements mssmt.TreeStore.
func (s SharedStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.InsertCompactedLeaf(ctx, leaf)
}

// DeleteLeaf implements mssmt.TreeStore.
func (s SharedStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteLeaf(ctx, key)
}

// DeleteBranch implements mssmt.TreeStore.
func (s SharedStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteBranch(ctx, key)
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s SharedStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteCompactedLeaf(ctx, key)
}

// UpdateRoot implements mssmt.TreeStore.
func (s SharedStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UpdateRoot(ctx, root)
}
