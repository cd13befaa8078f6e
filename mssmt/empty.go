package mssmt

// EmptyLeafNode is the leaf every unpopulated key resolves to. It carries no
// value and a sum of zero.
var EmptyLeafNode = NewLeafNode(nil, 0)

// EmptyTree holds the node found at each height of a tree containing no
// leaves: EmptyTree[MaxTreeLevels] is the empty leaf and every level above
// pairs two copies of the level below, so EmptyTree[0] is the canonical empty
// root. The table is built once and shared; nothing may mutate it.
var EmptyTree = newEmptyTree()

func newEmptyTree() [MaxTreeLevels + 1]Node {
	var tree [MaxTreeLevels + 1]Node
	tree[MaxTreeLevels] = EmptyLeafNode
	for i := MaxTreeLevels - 1; i >= 0; i-- {
		branch := NewBranch(tree[i+1], tree[i+1])

		// Memoize the hash up front so concurrent readers never race
		// on the lazy computation.
		branch.NodeHash()
		tree[i] = branch
	}
	return tree
}
