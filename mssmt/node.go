package mssmt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// hashSize is the byte width of node hashes and of leaf keys. The tree is
// defined over sha256, so both are fixed at 32 bytes.
const hashSize = 32

// MaxTreeLevels is the depth of the tree: one level per key bit. The root
// sits at height 0 and leaves at height MaxTreeLevels.
const MaxTreeLevels = hashSize * 8

// lastBitIndex is the index of the final key bit consulted on the way down.
const lastBitIndex = MaxTreeLevels - 1

// NodeHash identifies a node by the sha256 digest of its content. Two nodes
// with equal hashes are interchangeable everywhere in the tree.
type NodeHash [hashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h NodeHash) String() string {
	return hex.EncodeToString(h[:])
}

// NewNodeHashFromBytes converts raw bytes into a NodeHash, reporting whether
// the input had the required width.
func NewNodeHashFromBytes(b []byte) (NodeHash, bool) {
	var h NodeHash
	if len(b) != hashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// Key addresses a leaf position in the tree. Keys share the hash width since
// callers insert leaves under their own content hash.
type Key = NodeHash

// Node is the common interface of everything that can sit in the tree: leaf
// nodes, branch nodes, compacted leaves and computed placeholders.
type Node interface {
	// NodeHash returns the content hash of the node. Implementations
	// compute it lazily and cache it, so repeated calls are cheap.
	NodeHash() NodeHash

	// NodeSum returns the aggregated sum committed to by the node.
	NodeSum() uint64

	// Copy returns a deep copy of the node with its cached hash reset.
	Copy() Node
}

// IsEqualNode reports whether both nodes commit to the same hash and sum. A
// nil on either side only matches another nil.
func IsEqualNode(a, b Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.NodeHash() == b.NodeHash() && a.NodeSum() == b.NodeSum()
}

// LeafNode stores an opaque value together with its sum. An empty leaf (nil
// value, zero sum) represents a deleted or never-populated position.
type LeafNode struct {
	Value []byte

	sum      uint64
	nodeHash *NodeHash
}

// NewLeafNode creates a leaf committing to value and sum.
func NewLeafNode(value []byte, sum uint64) *LeafNode {
	return &LeafNode{Value: value, sum: sum}
}

// NodeHash implements Node. The digest covers value ‖ sum(8, big endian).
func (n *LeafNode) NodeHash() NodeHash {
	if n.nodeHash != nil {
		return *n.nodeHash
	}

	h := sha256.New()
	h.Write(n.Value)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.sum)
	h.Write(buf[:])

	n.nodeHash = new(NodeHash)
	copy(n.nodeHash[:], h.Sum(nil))
	return *n.nodeHash
}

// NodeSum implements Node.
func (n *LeafNode) NodeSum() uint64 {
	return n.sum
}

// IsEmpty reports whether this is the empty leaf.
func (n *LeafNode) IsEmpty() bool {
	return len(n.Value) == 0 && n.sum == 0
}

// Copy implements Node.
func (n *LeafNode) Copy() Node {
	value := make([]byte, len(n.Value))
	copy(value, n.Value)
	return &LeafNode{Value: value, sum: n.sum}
}

// BranchNode joins two child subtrees. Its sum is the sum of both children
// and its hash commits to both child hashes plus that sum, so a branch can
// never understate or overstate the liabilities below it.
type BranchNode struct {
	Left  Node
	Right Node

	sum      *uint64
	nodeHash *NodeHash
}

// NewBranch creates a branch over the two children. The sum is derived from
// the children, never supplied.
func NewBranch(left, right Node) *BranchNode {
	return &BranchNode{Left: left, Right: right}
}

// NewComputedBranch builds a branch from a previously-known (hash, sum) pair
// per child without touching the children's content. It exists so storage
// backends can reconstruct interior nodes they just read back from disk;
// callers must already know the values are correct, as nothing here verifies
// them. It must never be fed unverified input.
func NewComputedBranch(left, right NodeHash, leftSum, rightSum uint64) *BranchNode {
	return NewBranch(
		NewComputedNode(left, leftSum),
		NewComputedNode(right, rightSum),
	)
}

// NodeHash implements Node. The digest covers leftHash ‖ rightHash ‖
// sum(8, big endian).
func (n *BranchNode) NodeHash() NodeHash {
	if n.nodeHash != nil {
		return *n.nodeHash
	}

	left := n.Left.NodeHash()
	right := n.Right.NodeHash()

	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.NodeSum())
	h.Write(buf[:])

	n.nodeHash = new(NodeHash)
	copy(n.nodeHash[:], h.Sum(nil))
	return *n.nodeHash
}

// NodeSum implements Node.
func (n *BranchNode) NodeSum() uint64 {
	if n.sum != nil {
		return *n.sum
	}

	sum := n.Left.NodeSum() + n.Right.NodeSum()
	n.sum = &sum
	return sum
}

// Copy implements Node. Children are copied by reference identity through
// their own Copy methods.
func (n *BranchNode) Copy() Node {
	return &BranchNode{Left: n.Left.Copy(), Right: n.Right.Copy()}
}

// ComputedNode is a placeholder carrying only a known (hash, sum) pair with
// no expandable content. It stands in for subtrees a caller did not ask for.
type ComputedNode struct {
	hash NodeHash
	sum  uint64
}

// NewComputedNode wraps the pair into a Node.
func NewComputedNode(hash NodeHash, sum uint64) ComputedNode {
	return ComputedNode{hash: hash, sum: sum}
}

// NodeHash implements Node.
func (n ComputedNode) NodeHash() NodeHash {
	return n.hash
}

// NodeSum implements Node.
func (n ComputedNode) NodeSum() uint64 {
	return n.sum
}

// Copy implements Node.
func (n ComputedNode) Copy() Node {
	return ComputedNode{hash: n.hash, sum: n.sum}
}

// bitIndex returns the idx'th bit of key, counting from the least
// significant bit of the first byte. Height i of the tree branches on
// bitIndex(i, key): 0 descends left, 1 descends right.
func bitIndex(idx uint16, key *Key) byte {
	return (key[idx/8] >> (idx % 8)) & 1
}
