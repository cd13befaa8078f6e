package mssmt

// CompactedLeafNode stands in for an entire subtree holding exactly one
// non-empty leaf. Its hash is the hash the subtree root would have if every
// omitted default branch were materialized, so swapping a compacted leaf for
// its expansion never changes the root above it.
type CompactedLeafNode struct {
	*LeafNode

	// key is the full key of the one leaf inside the subtree.
	key Key

	// compactedNodeHash is the hash of the subtree root this node
	// replaces.
	compactedNodeHash NodeHash
}

// NewCompactedLeafNode compacts leaf into the subtree rooted at the given
// height along key's path. The node hash is derived by pairing the leaf with
// the empty node at every level between the leaf and height.
func NewCompactedLeafNode(height int, key *Key, leaf *LeafNode) *CompactedLeafNode {
	var current Node = leaf
	for i := lastBitIndex; i >= height; i-- {
		if bitIndex(uint16(i), key) == 0 {
			current = NewBranch(current, EmptyTree[i+1])
		} else {
			current = NewBranch(EmptyTree[i+1], current)
		}
	}

	return &CompactedLeafNode{
		LeafNode:          leaf,
		key:               *key,
		compactedNodeHash: current.NodeHash(),
	}
}

// NewComputedCompactedLeaf rebuilds a compacted leaf from its stored record
// without recomputing the subtree hash, as the record does not carry the
// height needed to do so. Only storage backends reading back their own
// writes may use it; the hash is trusted as given.
func NewComputedCompactedLeaf(hash NodeHash, key Key, leaf *LeafNode) *CompactedLeafNode {
	return &CompactedLeafNode{
		LeafNode:          leaf,
		key:               key,
		compactedNodeHash: hash,
	}
}

// NodeHash implements Node.
func (c *CompactedLeafNode) NodeHash() NodeHash {
	return c.compactedNodeHash
}

// Key returns the key of the single leaf inside the compacted subtree.
func (c *CompactedLeafNode) Key() Key {
	return c.key
}

// Extract materializes the subtree this node replaces and returns its root,
// the node sitting at the given height. Levels where key diverges from the
// expanded path reuse the shared empty nodes, so walking the result stays
// fully in memory.
func (c *CompactedLeafNode) Extract(height int) Node {
	var current Node = c.LeafNode
	for i := lastBitIndex; i >= height; i-- {
		if bitIndex(uint16(i), &c.key) == 0 {
			current = NewBranch(current, EmptyTree[i+1])
		} else {
			current = NewBranch(EmptyTree[i+1], current)
		}
	}
	return current
}

// Copy implements Node.
func (c *CompactedLeafNode) Copy() Node {
	return &CompactedLeafNode{
		LeafNode:          c.LeafNode.Copy().(*LeafNode),
		key:               c.key,
		compactedNodeHash: c.compactedNodeHash,
	}
}
