package mssmt

import (
	"context"
	"fmt"
)

// CompactedTree persists only the branches above the point where a subtree
// holds a single leaf; the subtree itself collapses into one compacted leaf
// record. Roots are identical to FullTree's for any leaf set, so the two
// shapes are interchangeable behind a root hash.
//
// Raw leaf records are written alongside the compacted ones so lookups
// through TreeStore.GetLeaf keep working regardless of the tree shape.
type CompactedTree struct {
	store TreeStore
}

// NewCompactedTree creates a compacted tree over the given store.
func NewCompactedTree(store TreeStore) *CompactedTree {
	return &CompactedTree{store: store}
}

// Root implements Tree.
func (t *CompactedTree) Root(ctx context.Context) (*BranchNode, error) {
	root, ok, err := t.store.RootNode(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return EmptyTree[0].(*BranchNode), nil
	}
	return root, nil
}

// walkDown descends from the root to the leaf addressed by key. Once the
// descent meets a compacted leaf the subtree is extracted and the remaining
// levels are walked in memory, so absent keys still terminate on the empty
// leaf with correct siblings at every level.
func (t *CompactedTree) walkDown(ctx context.Context, key *Key, iter iterFunc) (*LeafNode, error) {
	root, err := t.Root(ctx)
	if err != nil {
		return nil, err
	}

	var current Node = root
	for i := 0; i < MaxTreeLevels; i++ {
		var left, right Node
		if branch, ok := current.(*BranchNode); ok && branch.Left != nil {
			left, right = branch.Left, branch.Right
		} else {
			left, right, err = t.store.GetChildren(ctx, i, current.NodeHash())
			if err != nil {
				return nil, err
			}
		}

		var next, sibling Node
		if bitIndex(uint16(i), key) == 0 {
			next, sibling = left, right
		} else {
			next, sibling = right, left
		}

		if compacted, ok := next.(*CompactedLeafNode); ok {
			next = compacted.Extract(i + 1)
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

// insert places leaf under key somewhere below root, which sits at the given
// height, and returns the replacement branch for that height. Callers own
// persisting the returned branch's parent chain; everything below it has
// been persisted on return.
func (t *CompactedTree) insert(ctx context.Context, key *Key, height int,
	root Node, leaf *LeafNode) (*BranchNode, error) {

	left, right, err := t.store.GetChildren(ctx, height, root.NodeHash())
	if err != nil {
		return nil, err
	}

	var next, sibling Node
	isLeft := bitIndex(uint16(height), key) == 0
	if isLeft {
		next, sibling = left, right
	} else {
		next, sibling = right, left
	}

	nextHeight := height + 1

	var newNode Node
	switch node := next.(type) {
	case *CompactedLeafNode:
		switch {
		case *key == node.Key():
			// Replacing or clearing the one leaf stored here.
			err := t.store.DeleteCompactedLeaf(ctx, node.NodeHash())
			if err != nil {
				return nil, err
			}
			err = t.store.DeleteLeaf(ctx, node.LeafNode.NodeHash())
			if err != nil {
				return nil, err
			}
			if leaf.IsEmpty() {
				newNode = EmptyTree[nextHeight]
			} else {
				newLeaf := NewCompactedLeafNode(nextHeight, key, leaf)
				err := t.store.InsertCompactedLeaf(ctx, newLeaf)
				if err != nil {
					return nil, err
				}
				if err := t.store.InsertLeaf(ctx, leaf); err != nil {
					return nil, err
				}
				newNode = newLeaf
			}

		case leaf.IsEmpty():
			// Deleting a key that is not the one stored here
			// touches nothing.
			newNode = node

		default:
			// Two distinct keys now share the subtree; split it at
			// their first diverging bit. The old record's hash
			// changes with its compaction height, so it goes.
			err := t.store.DeleteCompactedLeaf(ctx, node.NodeHash())
			if err != nil {
				return nil, err
			}
			oldKey := node.Key()
			newNode, err = t.merge(
				ctx, nextHeight, *key, leaf, oldKey, node.LeafNode,
			)
			if err != nil {
				return nil, err
			}
		}

	default:
		if IsEqualNode(node, EmptyTree[nextHeight]) {
			if leaf.IsEmpty() {
				// Deleting below an empty subtree changes
				// nothing.
				newNode = EmptyTree[nextHeight]
			} else {
				newLeaf := NewCompactedLeafNode(nextHeight, key, leaf)
				err := t.store.InsertCompactedLeaf(ctx, newLeaf)
				if err != nil {
					return nil, err
				}
				if err := t.store.InsertLeaf(ctx, leaf); err != nil {
					return nil, err
				}
				newNode = newLeaf
			}
		} else {
			newNode, err = t.insert(ctx, key, nextHeight, node, leaf)
			if err != nil {
				return nil, err
			}
		}
	}

	if !IsEqualNode(root, EmptyTree[height]) {
		if err := t.store.DeleteBranch(ctx, root.NodeHash()); err != nil {
			return nil, err
		}
	}

	var branch *BranchNode
	if isLeft {
		branch = NewBranch(newNode, sibling)
	} else {
		branch = NewBranch(sibling, newNode)
	}
	if !IsEqualNode(branch, EmptyTree[height]) {
		if err := t.store.InsertBranch(ctx, branch); err != nil {
			return nil, err
		}
	}
	return branch, nil
}

// merge joins two leaves into the smallest subtree distinguishing their
// keys: branches from height down to the first diverging bit, with both
// leaves compacted one level below it. The returned branch sits at height.
func (t *CompactedTree) merge(ctx context.Context, height int, key1 Key,
	leaf1 *LeafNode, key2 Key, leaf2 *LeafNode) (*BranchNode, error) {

	// Keys agree on every bit above this subtree, so the diverging bit is
	// at or below height.
	divergence := height
	for bitIndex(uint16(divergence), &key1) == bitIndex(uint16(divergence), &key2) {
		divergence++
	}

	newLeaf1 := NewCompactedLeafNode(divergence+1, &key1, leaf1)
	if err := t.store.InsertCompactedLeaf(ctx, newLeaf1); err != nil {
		return nil, err
	}
	if err := t.store.InsertLeaf(ctx, leaf1); err != nil {
		return nil, err
	}
	newLeaf2 := NewCompactedLeafNode(divergence+1, &key2, leaf2)
	if err := t.store.InsertCompactedLeaf(ctx, newLeaf2); err != nil {
		return nil, err
	}
	// leaf2 was already stored when it first entered the tree; the insert
	// is an idempotent no-op then.
	if err := t.store.InsertLeaf(ctx, leaf2); err != nil {
		return nil, err
	}

	var parent *BranchNode
	if bitIndex(uint16(divergence), &key1) == 0 {
		parent = NewBranch(newLeaf1, newLeaf2)
	} else {
		parent = NewBranch(newLeaf2, newLeaf1)
	}
	if err := t.store.InsertBranch(ctx, parent); err != nil {
		return nil, err
	}

	// Chain the pair back up to the requested height.
	current := parent
	for i := divergence - 1; i >= height; i-- {
		var branch *BranchNode
		if bitIndex(uint16(i), &key1) == 0 {
			branch = NewBranch(current, EmptyTree[i+1])
		} else {
			branch = NewBranch(EmptyTree[i+1], current)
		}
		if err := t.store.InsertBranch(ctx, branch); err != nil {
			return nil, err
		}
		current = branch
	}
	return current, nil
}

// Insert implements Tree.
func (t *CompactedTree) Insert(ctx context.Context, key Key, leaf *LeafNode) error {
	root, err := t.Root(ctx)
	if err != nil {
		return err
	}
	newRoot, err := t.insert(ctx, &key, 0, root, leaf)
	if err != nil {
		return err
	}
	return t.store.UpdateRoot(ctx, newRoot)
}

// Delete implements Tree.
func (t *CompactedTree) Delete(ctx context.Context, key Key) error {
	return t.Insert(ctx, key, EmptyLeafNode)
}

// Get implements Tree.
func (t *CompactedTree) Get(ctx context.Context, key Key) (*LeafNode, error) {
	return t.walkDown(ctx, &key, nil)
}

// MerkleProof implements Tree.
func (t *CompactedTree) MerkleProof(ctx context.Context, key Key) (*Proof, error) {
	proof := make([]Node, MaxTreeLevels)
	_, err := t.walkDown(ctx, &key,
		func(height int, _, sibling, _ Node) error {
			proof[MaxTreeLevels-height] = sibling
			return nil
		})
	if err != nil {
		return nil, err
	}
	return NewProof(proof), nil
}
