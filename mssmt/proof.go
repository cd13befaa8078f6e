package mssmt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Proof holds the sibling met at every level of a key's path, ordered from
// the leaf level up to the children of the root. Together with the leaf it
// recommits to the root, so a verifier needs nothing else.
type Proof struct {
	// Nodes contains MaxTreeLevels siblings; Nodes[0] sits next to the
	// leaf itself.
	Nodes []Node
}

// NewProof wraps the ordered sibling list into a proof.
func NewProof(nodes []Node) *Proof {
	return &Proof{Nodes: nodes}
}

// Root folds the proof over the claimed leaf and returns the root branch the
// pair commits to.
func (p *Proof) Root(key Key, leaf *LeafNode) (*BranchNode, error) {
	return walkUp(&key, leaf, p.Nodes)
}

// walkUp rebuilds the path from a leaf to the root given the sibling at
// every level.
func walkUp(key *Key, leaf *LeafNode, siblings []Node) (*BranchNode, error) {
	if len(siblings) != MaxTreeLevels {
		return nil, fmt.Errorf("mssmt: got %d proof nodes, want %d",
			len(siblings), MaxTreeLevels)
	}

	var current Node = leaf
	for i := lastBitIndex; i >= 0; i-- {
		sibling := siblings[lastBitIndex-i]
		if sibling == nil {
			return nil, fmt.Errorf("mssmt: nil proof node at height %d",
				i+1)
		}

		if bitIndex(uint16(i), key) == 0 {
			current = NewBranch(current, sibling)
		} else {
			current = NewBranch(sibling, current)
		}
	}
	return current.(*BranchNode), nil
}

// VerifyMerkleProof reports whether proof demonstrates that leaf sits under
// key in the tree committed to by root. Verifying the empty leaf proves the
// key is absent.
func VerifyMerkleProof(key Key, leaf *LeafNode, proof *Proof, root Node) bool {
	derived, err := proof.Root(key, leaf)
	if err != nil {
		return false
	}
	return IsEqualNode(derived, root)
}

// CompressedProof elides the default siblings of a proof behind a bitmap.
// Almost every level of a sparse tree pairs with a default node, so the wire
// size drops from hundreds of hashes to a handful.
type CompressedProof struct {
	// Bits flags, per level from the leaf up, whether the sibling there
	// was elided as a default node.
	Bits []bool

	// Nodes holds the remaining non-default siblings in level order.
	Nodes []Node
}

// Compress elides every default sibling from the proof.
func (p *Proof) Compress() *CompressedProof {
	bits := make([]bool, len(p.Nodes))
	var nodes []Node
	for i, node := range p.Nodes {
		// Proof nodes run from the leaf level up while the empty tree
		// table runs from the root down.
		if IsEqualNode(node, EmptyTree[MaxTreeLevels-i]) {
			bits[i] = true
		} else {
			nodes = append(nodes, node)
		}
	}
	return &CompressedProof{Bits: bits, Nodes: nodes}
}

// Decompress rebuilds the full proof, substituting the shared empty nodes
// back in for elided levels.
func (p *CompressedProof) Decompress() (*Proof, error) {
	if len(p.Bits) != MaxTreeLevels {
		return nil, fmt.Errorf("mssmt: got %d proof bits, want %d",
			len(p.Bits), MaxTreeLevels)
	}

	nodes := make([]Node, len(p.Bits))
	next := 0
	for i, elided := range p.Bits {
		if elided {
			nodes[i] = EmptyTree[MaxTreeLevels-i]
			continue
		}
		if next >= len(p.Nodes) {
			return nil, fmt.Errorf("mssmt: compressed proof holds " +
				"too few nodes")
		}
		nodes[i] = p.Nodes[next]
		next++
	}
	if next != len(p.Nodes) {
		return nil, fmt.Errorf("mssmt: compressed proof holds %d unused nodes",
			len(p.Nodes)-next)
	}
	return NewProof(nodes), nil
}

// proofBitmapLen is the packed size of the per-level elision flags.
const proofBitmapLen = MaxTreeLevels / 8

// Encode writes the compressed proof in its wire form: the elision bitmap,
// a big-endian node count, then each sibling as hash followed by sum.
func (p *CompressedProof) Encode(w io.Writer) error {
	if len(p.Bits) != MaxTreeLevels {
		return fmt.Errorf("mssmt: got %d proof bits, want %d",
			len(p.Bits), MaxTreeLevels)
	}

	if _, err := w.Write(packBits(p.Bits)); err != nil {
		return err
	}
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(p.Nodes)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for _, node := range p.Nodes {
		hash := node.NodeHash()
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
		var sum [8]byte
		binary.BigEndian.PutUint64(sum[:], node.NodeSum())
		if _, err := w.Write(sum[:]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a compressed proof from its wire form, replacing the
// receiver's contents.
func (p *CompressedProof) Decode(r io.Reader) error {
	var bitmap [proofBitmapLen]byte
	if _, err := io.ReadFull(r, bitmap[:]); err != nil {
		return fmt.Errorf("mssmt: short proof bitmap: %w", err)
	}

	var countBytes [2]byte
	if _, err := io.ReadFull(r, countBytes[:]); err != nil {
		return fmt.Errorf("mssmt: short proof node count: %w", err)
	}
	count := binary.BigEndian.Uint16(countBytes[:])
	if count > MaxTreeLevels {
		return fmt.Errorf("mssmt: proof claims %d nodes, max %d",
			count, MaxTreeLevels)
	}

	nodes := make([]Node, 0, count)
	for i := uint16(0); i < count; i++ {
		var record [hashSize + 8]byte
		if _, err := io.ReadFull(r, record[:]); err != nil {
			return fmt.Errorf("mssmt: short proof node %d: %w", i, err)
		}
		var hash NodeHash
		copy(hash[:], record[:hashSize])
		sum := binary.BigEndian.Uint64(record[hashSize:])
		nodes = append(nodes, NewComputedNode(hash, sum))
	}

	p.Bits = unpackBits(bitmap[:])
	p.Nodes = nodes
	return nil
}

// packBits packs the flags into bytes, filling each byte from its lowest
// bit, mirroring the key bit order.
func packBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackBits expands every bit of the packed form back into a flag.
func unpackBits(packed []byte) []bool {
	bits := make([]bool, len(packed)*8)
	for i := range bits {
		bits[i] = packed[i/8]>>(i%8)&1 == 1
	}
	return bits
}
