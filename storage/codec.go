package storage

import (
	"encoding/binary"
	"fmt"

	"sumtree/mssmt"
)

// Stored record layouts shared by the key-value backends:
//
//	branch:         left hash (32) ‖ right hash (32) ‖ sum (8, big endian)
//	leaf:           sum (8, big endian) ‖ value (variable)
//	compacted leaf: leaf key (32) ‖ leaf record
//	root:           root hash (32)
//
// The relational backend maps the same fields onto columns instead.

const (
	hashLen         = 32
	sumLen          = 8
	branchRecordLen = 2*hashLen + sumLen
	leafRecordLen   = sumLen
	compactedMinLen = hashLen + leafRecordLen
)

func encodeBranchRecord(branch *mssmt.BranchNode) []byte {
	rec := make([]byte, 0, branchRecordLen)
	left := branch.Left.NodeHash()
	right := branch.Right.NodeHash()
	rec = append(rec, left[:]...)
	rec = append(rec, right[:]...)
	var sum [sumLen]byte
	binary.BigEndian.PutUint64(sum[:], branch.NodeSum())
	return append(rec, sum[:]...)
}

func decodeBranchRecord(rec []byte) (left, right mssmt.NodeHash, sum uint64, err error) {
	if len(rec) != branchRecordLen {
		return left, right, 0, fmt.Errorf("branch record has %d bytes, "+
			"want %d: %w", len(rec), branchRecordLen,
			mssmt.ErrCorruptedRecord)
	}
	copy(left[:], rec[:hashLen])
	copy(right[:], rec[hashLen:2*hashLen])
	sum = binary.BigEndian.Uint64(rec[2*hashLen:])
	return left, right, sum, nil
}

func encodeLeafRecord(leaf *mssmt.LeafNode) []byte {
	rec := make([]byte, leafRecordLen+len(leaf.Value))
	binary.BigEndian.PutUint64(rec[:sumLen], leaf.NodeSum())
	copy(rec[sumLen:], leaf.Value)
	return rec
}

func decodeLeafRecord(rec []byte) (*mssmt.LeafNode, error) {
	if len(rec) < leafRecordLen {
		return nil, fmt.Errorf("leaf record has %d bytes, want at "+
			"least %d: %w", len(rec), leafRecordLen,
			mssmt.ErrCorruptedRecord)
	}
	sum := binary.BigEndian.Uint64(rec[:sumLen])
	value := append([]byte(nil), rec[sumLen:]...)
	return mssmt.NewLeafNode(value, sum), nil
}

func encodeCompactedLeafRecord(leaf *mssmt.CompactedLeafNode) []byte {
	key := leaf.Key()
	rec := make([]byte, 0, compactedMinLen+len(leaf.Value))
	rec = append(rec, key[:]...)
	return append(rec, encodeLeafRecord(leaf.LeafNode)...)
}

// decodeCompactedLeafRecord rebuilds a compacted leaf under the hash it was
// stored at. The record does not carry the compaction height, so the hash is
// taken on trust from the store's own key.
func decodeCompactedLeafRecord(hash mssmt.NodeHash, rec []byte) (*mssmt.CompactedLeafNode, error) {
	if len(rec) < compactedMinLen {
		return nil, fmt.Errorf("compacted leaf record has %d bytes, "+
			"want at least %d: %w", len(rec), compactedMinLen,
			mssmt.ErrCorruptedRecord)
	}
	key, _ := mssmt.NewNodeHashFromBytes(rec[:hashLen])
	leaf, err := decodeLeafRecord(rec[hashLen:])
	if err != nil {
		return nil, err
	}
	return mssmt.NewComputedCompactedLeaf(hash, key, leaf), nil
}

// recordSource reads the raw records a backend holds for the current
// namespace, one keyspace at a time. The boolean is false when the hash has
// no record there. Backends bind a source to whatever consistency unit they
// have (an open transaction, a locked map) so one contract call resolves
// against one snapshot.
type recordSource interface {
	branchRecord(hash mssmt.NodeHash) ([]byte, bool, error)
	leafRecord(hash mssmt.NodeHash) ([]byte, bool, error)
	compactedLeafRecord(hash mssmt.NodeHash) ([]byte, bool, error)
}

// resolveNode loads the node stored under hash, which sits at the given
// height. Hashes from the empty table resolve without touching storage, and
// stored branches come back as computed nodes carrying just hash and sum.
func resolveNode(src recordSource, height int, hash mssmt.NodeHash) (mssmt.Node, error) {
	if hash == mssmt.EmptyTree[height].NodeHash() {
		return mssmt.EmptyTree[height], nil
	}

	if rec, ok, err := src.branchRecord(hash); err != nil {
		return nil, err
	} else if ok {
		_, _, sum, err := decodeBranchRecord(rec)
		if err != nil {
			return nil, err
		}
		return mssmt.NewComputedNode(hash, sum), nil
	}

	if rec, ok, err := src.leafRecord(hash); err != nil {
		return nil, err
	} else if ok {
		return decodeLeafRecord(rec)
	}

	if rec, ok, err := src.compactedLeafRecord(hash); err != nil {
		return nil, err
	} else if ok {
		return decodeCompactedLeafRecord(hash, rec)
	}

	return nil, fmt.Errorf("node %s at height %d: %w", hash, height,
		mssmt.ErrNodeNotFound)
}

// getChildren resolves both children of the branch stored under hash at the
// given height, with the contract's full probe order and error taxonomy.
func getChildren(src recordSource, height int, hash mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	if height < 0 || height >= mssmt.MaxTreeLevels {
		return nil, nil, fmt.Errorf("height %d out of range", height)
	}

	if hash == mssmt.EmptyTree[height].NodeHash() {
		empty := mssmt.EmptyTree[height+1]
		return empty, empty, nil
	}

	rec, ok, err := src.branchRecord(hash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// Distinguish a missing node from a stored one of the wrong
		// kind before failing.
		probes := []func(mssmt.NodeHash) ([]byte, bool, error){
			src.leafRecord, src.compactedLeafRecord,
		}
		for _, probe := range probes {
			_, found, err := probe(hash)
			if err != nil {
				return nil, nil, err
			}
			if found {
				return nil, nil, fmt.Errorf("node %s at height %d: %w",
					hash, height, mssmt.ErrExpectedBranch)
			}
		}
		return nil, nil, fmt.Errorf("node %s at height %d: %w",
			hash, height, mssmt.ErrNodeNotFound)
	}

	leftHash, rightHash, _, err := decodeBranchRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	left, err := resolveNode(src, height+1, leftHash)
	if err != nil {
		return nil, nil, err
	}
	right, err := resolveNode(src, height+1, rightHash)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// rootBranch rebuilds a namespace root from its stored branch record with
// both children resolved, so the returned branch re-derives the recorded
// hash and sum rather than trusting them.
func rootBranch(src recordSource, rootHash mssmt.NodeHash) (*mssmt.BranchNode, error) {
	rec, ok, err := src.branchRecord(rootHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("root %s: %w", rootHash, mssmt.ErrNodeNotFound)
	}

	leftHash, rightHash, _, err := decodeBranchRecord(rec)
	if err != nil {
		return nil, err
	}
	left, err := resolveNode(src, 1, leftHash)
	if err != nil {
		return nil, err
	}
	right, err := resolveNode(src, 1, rightHash)
	if err != nil {
		return nil, err
	}
	return mssmt.NewBranch(left, right), nil
}

// namespacedKey prefixes a node hash with its namespace. The hash width is
// fixed, so the concatenation parses back unambiguously.
func namespacedKey(namespace []byte, hash mssmt.NodeHash) []byte {
	key := make([]byte, 0, len(namespace)+hashLen)
	key = append(key, namespace...)
	return append(key, hash[:]...)
}
