package mssmt

import (
	"context"
	"fmt"
)

// Tree is the mutable sum-tree interface both implementations satisfy. Trees
// hold no node state of their own; every operation reads and writes through
// the underlying TreeStore, so two trees over the same store and namespace
// observe each other's writes.
type Tree interface {
	// Root returns the current root branch, which is the canonical empty
	// root for a namespace that has never been written.
	Root(ctx context.Context) (*BranchNode, error)

	// Insert writes leaf under key, replacing whatever leaf was there.
	Insert(ctx context.Context, key Key, leaf *LeafNode) error

	// Delete removes the leaf under key. Deleting an absent key leaves
	// the tree unchanged.
	Delete(ctx context.Context, key Key) error

	// Get returns the leaf under key, which is the empty leaf when the
	// key was never inserted or was deleted.
	Get(ctx context.Context, key Key) (*LeafNode, error)

	// MerkleProof produces the inclusion proof for key against the
	// current root. For an absent key the proof shows the empty leaf.
	MerkleProof(ctx context.Context, key Key) (*Proof, error)
}

// iterFunc visits one level of a descent: the node stepped into, the sibling
// passed by and the branch stepped out of. Height is the depth of next and
// sibling.
type iterFunc func(height int, next, sibling, parent Node) error

// FullTree materializes every branch along each populated path, storing one
// branch record per level. It is the straightforward shape; CompactedTree
// stores the same trees in far fewer records.
type FullTree struct {
	store TreeStore
}

// NewFullTree creates a full tree over the given store.
func NewFullTree(store TreeStore) *FullTree {
	return &FullTree{store: store}
}

// Root implements Tree.
func (t *FullTree) Root(ctx context.Context) (*BranchNode, error) {
	root, ok, err := t.store.RootNode(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return EmptyTree[0].(*BranchNode), nil
	}
	return root, nil
}

// walkDown descends from the root to the leaf addressed by key, resolving
// each level's children through the store, and returns that leaf.
func (t *FullTree) walkDown(ctx context.Context, key *Key, iter iterFunc) (*LeafNode, error) {
	root, err := t.Root(ctx)
	if err != nil {
		return nil, err
	}

	var current Node = root
	for i := 0; i < MaxTreeLevels; i++ {
		left, right, err := t.store.GetChildren(ctx, i, current.NodeHash())
		if err != nil {
			return nil, err
		}

		var next, sibling Node
		if bitIndex(uint16(i), key) == 0 {
			next, sibling = left, right
		} else {
			next, sibling = right, left
		}

		if iter != nil {
			if err := iter(i+1, next, sibling, current); err != nil {
				return nil, err
			}
		}
		current = next
	}

	leaf, ok := current.(*LeafNode)
	if !ok {
		return nil, fmt.Errorf("mssmt: walk ended on %T, want leaf", current)
	}
	return leaf, nil
}

// Insert implements Tree.
func (t *FullTree) Insert(ctx context.Context, key Key, leaf *LeafNode) error {
	// Walk down to the leaf being replaced, remembering the sibling and
	// the branch crossed at every level. siblings[i] and parents[i] hold
	// the nodes met when stepping from height i to i+1.
	siblings := make([]Node, 0, MaxTreeLevels)
	parents := make([]Node, 0, MaxTreeLevels)
	oldLeaf, err := t.walkDown(ctx, &key,
		func(_ int, _, sibling, parent Node) error {
			siblings = append(siblings, sibling)
			parents = append(parents, parent)
			return nil
		})
	if err != nil {
		return err
	}

	if !oldLeaf.IsEmpty() {
		if err := t.store.DeleteLeaf(ctx, oldLeaf.NodeHash()); err != nil {
			return err
		}
	}
	if !leaf.IsEmpty() {
		if err := t.store.InsertLeaf(ctx, leaf); err != nil {
			return err
		}
	}

	// Walk back up re-hashing the path. Default branches are never
	// stored, so they are skipped on both the delete and insert side.
	var current Node = leaf
	for i := lastBitIndex; i >= 0; i-- {
		var branch *BranchNode
		if bitIndex(uint16(i), &key) == 0 {
			branch = NewBranch(current, siblings[i])
		} else {
			branch = NewBranch(siblings[i], current)
		}

		if !IsEqualNode(parents[i], EmptyTree[i]) {
			err := t.store.DeleteBranch(ctx, parents[i].NodeHash())
			if err != nil {
				return err
			}
		}
		if !IsEqualNode(branch, EmptyTree[i]) {
			if err := t.store.InsertBranch(ctx, branch); err != nil {
				return err
			}
		}
		current = branch
	}

	return t.store.UpdateRoot(ctx, current.(*BranchNode))
}

// Delete implements Tree. Removal is insertion of the empty leaf; the walk
// up then dissolves every branch that became default.
func (t *FullTree) Delete(ctx context.Context, key Key) error {
	return t.Insert(ctx, key, EmptyLeafNode)
}

// Get implements Tree.
func (t *FullTree) Get(ctx context.Context, key Key) (*LeafNode, error) {
	return t.walkDown(ctx, &key, nil)
}

// MerkleProof implements Tree.
func (t *FullTree) MerkleProof(ctx context.Context, key Key) (*Proof, error) {
	proof := make([]Node, MaxTreeLevels)
	_, err := t.walkDown(ctx, &key,
		func(height int, _, sibling, _ Node) error {
			// Proof nodes run from the leaf level upward.
			proof[MaxTreeLevels-height] = sibling
			return nil
		})
	if err != nil {
		return nil, err
	}
	return NewProof(proof), nil
}
