package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"sumtree/mssmt"
)

// Record tags for the single LevelDB keyspace. Keys are laid out as
// tag ‖ namespace ‖ hash; the root key carries no hash.
const (
	tagBranch        = 'b'
	tagLeaf          = 'l'
	tagCompactedLeaf = 'c'
	tagRoot          = 'r'
)

// LevelDBStore persists trees in a LevelDB directory. LevelDB writes are
// atomic per batch and every contract call issues at most one write, which
// covers the per-call atomicity the contract asks for.
type LevelDBStore struct {
	db        *leveldb.DB
	namespace string
}

// NewLevelDBStore creates or opens the LevelDB database at path with the
// handle bound to the given namespace.
func NewLevelDBStore(path, namespace string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db, namespace: namespace}, nil
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBStore) nodeKey(tag byte, hash mssmt.NodeHash) []byte {
	key := make([]byte, 0, 1+len(s.namespace)+hashLen)
	key = append(key, tag)
	key = append(key, s.namespace...)
	return append(key, hash[:]...)
}

func (s *LevelDBStore) rootKey() []byte {
	key := make([]byte, 0, 1+len(s.namespace))
	key = append(key, tagRoot)
	return append(key, s.namespace...)
}

func (s *LevelDBStore) record(tag byte, hash mssmt.NodeHash) ([]byte, bool, error) {
	rec, err := s.db.Get(s.nodeKey(tag, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldb get: %w", err)
	}
	return rec, true, nil
}

func (s *LevelDBStore) branchRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(tagBranch, hash)
}

func (s *LevelDBStore) leafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(tagLeaf, hash)
}

func (s *LevelDBStore) compactedLeafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(tagCompactedLeaf, hash)
}

// SetNamespace implements mssmt.TreeStore.
func (s *LevelDBStore) SetNamespace(namespace string) {
	s.namespace = namespace
}

// RootNode implements mssmt.TreeStore.
func (s *LevelDBStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	rec, err := s.db.Get(s.rootKey(), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldb get root: %w", err)
	}
	rootHash, ok := mssmt.NewNodeHashFromBytes(rec)
	if !ok {
		return nil, false, fmt.Errorf("root record has %d bytes: %w",
			len(rec), mssmt.ErrCorruptedRecord)
	}
	root, err := rootBranch(s, rootHash)
	if err != nil {
		return nil, false, err
	}
	return root, true, nil
}

// GetChildren implements mssmt.TreeStore.
func (s *LevelDBStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	return getChildren(s, height, key)
}

// GetLeaf implements mssmt.TreeStore.
func (s *LevelDBStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	rec, ok, err := s.leafRecord(key)
	if err != nil || !ok {
		return nil, false, err
	}
	leaf, err := decodeLeafRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return leaf, true, nil
}

// InsertLeaf implements mssmt.TreeStore.
func (s *LevelDBStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	return s.db.Put(s.nodeKey(tagLeaf, leaf.NodeHash()), encodeLeafRecord(leaf), nil)
}

// InsertBranch implements mssmt.TreeStore.
func (s *LevelDBStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	return s.db.Put(s.nodeKey(tagBranch, branch.NodeHash()), encodeBranchRecord(branch), nil)
}

// InsertCompactedLeaf implements mssmt.TreeStore.
func (s *LevelDBStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	return s.db.Put(s.nodeKey(tagCompactedLeaf, leaf.NodeHash()), encodeCompactedLeafRecord(leaf), nil)
}

// DeleteLeaf implements mssmt.TreeStore.
func (s *LevelDBStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.db.Delete(s.nodeKey(tagLeaf, key), nil)
}

// DeleteBranch implements mssmt.TreeStore.
func (s *LevelDBStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	return s.db.Delete(s.nodeKey(tagBranch, key), nil)
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s *LevelDBStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.db.Delete(s.nodeKey(tagCompactedLeaf, key), nil)
}

// UpdateRoot implements mssmt.TreeStore.
func (s *LevelDBStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	hash := root.NodeHash()
	if hash == mssmt.EmptyTree[0].NodeHash() {
		return s.db.Delete(s.rootKey(), nil)
	}
	return s.db.Put(s.rootKey(), hash[:], nil)
}
