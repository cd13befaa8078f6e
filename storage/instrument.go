package storage

import (
	"context"
	"time"

	"sumtree/mssmt"
	"sumtree/observability"
)

// InstrumentedStore decorates a TreeStore with per-call prometheus metrics
// labelled by backend name.
type InstrumentedStore struct {
	backend string
	store   mssmt.TreeStore
}

// NewInstrumentedStore wraps store, reporting every call under the given
// backend label.
func NewInstrumentedStore(backend string, store mssmt.TreeStore) *InstrumentedStore {
	return &InstrumentedStore{backend: backend, store: store}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	observability.Tree().Observe(s.backend, op, time.Since(start), err)
}

// SetNamespace implements mssmt.TreeStore.
func (s *InstrumentedStore) SetNamespace(namespace string) {
	s.store.SetNamespace(namespace)
}

// RootNode implements mssmt.TreeStore.
func (s *InstrumentedStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	start := time.Now()
	root, ok, err := s.store.RootNode(ctx)
	s.observe("root_node", start, err)
	return root, ok, err
}

// GetChildren implements mssmt.TreeStore.
func (s *InstrumentedStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	start := time.Now()
	left, right, err := s.store.GetChildren(ctx, height, key)
	s.observe("get_children", start, err)
	return left, right, err
}

// GetLeaf implements mssmt.TreeStore.
func (s *InstrumentedStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	start := time.Now()
	leaf, ok, err := s.store.GetLeaf(ctx, key)
	s.observe("get_leaf", start, err)
	return leaf, ok, err
}

// InsertLeaf implements mssmt.TreeStore.
func (s *InstrumentedStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	start := time.Now()
	err := s.store.InsertLeaf(ctx, leaf)
	s.observe("insert_leaf", start, err)
	return err
}

// InsertBranch implements mssmt.TreeStore.
func (s *InstrumentedStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	start := time.Now()
	err := s.store.InsertBranch(ctx, branch)
	s.observe("insert_branch", start, err)
	return err
}

// InsertCompactedLeaf implements mssmt.TreeStore.
func (s *InstrumentedStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	start := time.Now()
	err := s.store.InsertCompactedLeaf(ctx, leaf)
	s.observe("insert_compacted_leaf", start, err)
	return err
}

// DeleteLeaf implements mssmt.TreeStore.
func (s *InstrumentedStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	start := time.Now()
	err := s.store.DeleteLeaf(ctx, key)
	s.observe("delete_leaf", start, err)
	return err
}

// DeleteBranch implements mssmt.TreeStore.
func (s *InstrumentedStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	start := time.Now()
	err := s.store.DeleteBranch(ctx, key)
	s.observe("delete_branch", start, err)
	return err
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s *InstrumentedStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	start := time.Now()
	err := s.store.DeleteCompactedLeaf(ctx, key)
	s.observe("delete_compacted_leaf", start, err)
	return err
}

// UpdateRoot implements mssmt.TreeStore.
func (s *InstrumentedStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	start := time.Now()
	err := s.store.UpdateRoot(ctx, root)
	s.observe("update_root", start, err)
	return err
}
