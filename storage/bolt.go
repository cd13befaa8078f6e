package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"sumtree/mssmt"
)

var (
	bucketBranches  = []byte("mssmt_branches")
	bucketLeaves    = []byte("mssmt_leaves")
	bucketCompacted = []byte("mssmt_compact_leaves")
	bucketRoots     = []byte("mssmt_roots")
)

// BoltStore persists trees in a single bbolt file: one bucket per record
// kind, keys prefixed with the namespace. Every contract call runs in its
// own transaction, so reads resolve against one snapshot and writes land
// atomically.
type BoltStore struct {
	db        *bolt.DB
	namespace string
}

// NewBoltStore opens (and initialises) the bbolt file at path with the
// handle bound to the given namespace.
func NewBoltStore(path, namespace string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	buckets := [][]byte{bucketBranches, bucketLeaves, bucketCompacted, bucketRoots}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, namespace: namespace}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// boltTxSource reads records within one open transaction.
type boltTxSource struct {
	tx        *bolt.Tx
	namespace []byte
}

func (s boltTxSource) record(bucket []byte, hash mssmt.NodeHash) ([]byte, bool, error) {
	b := s.tx.Bucket(bucket)
	if b == nil {
		return nil, false, fmt.Errorf("bucket %s missing", bucket)
	}
	rec := b.Get(namespacedKey(s.namespace, hash))
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s boltTxSource) branchRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(bucketBranches, hash)
}

func (s boltTxSource) leafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(bucketLeaves, hash)
}

func (s boltTxSource) compactedLeafRecord(hash mssmt.NodeHash) ([]byte, bool, error) {
	return s.record(bucketCompacted, hash)
}

func (s *BoltStore) source(tx *bolt.Tx) boltTxSource {
	return boltTxSource{tx: tx, namespace: []byte(s.namespace)}
}

// SetNamespace implements mssmt.TreeStore.
func (s *BoltStore) SetNamespace(namespace string) {
	s.namespace = namespace
}

// RootNode implements mssmt.TreeStore.
func (s *BoltStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	var (
		root  *mssmt.BranchNode
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucketRoots)
		}
		rec := b.Get([]byte(s.namespace))
		if rec == nil {
			return nil
		}
		rootHash, ok := mssmt.NewNodeHashFromBytes(rec)
		if !ok {
			return fmt.Errorf("root record has %d bytes: %w",
				len(rec), mssmt.ErrCorruptedRecord)
		}
		node, err := rootBranch(s.source(tx), rootHash)
		if err != nil {
			return err
		}
		root, found = node, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return root, found, nil
}

// GetChildren implements mssmt.TreeStore.
func (s *BoltStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	var left, right mssmt.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		left, right, err = getChildren(s.source(tx), height, key)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// GetLeaf implements mssmt.TreeStore.
func (s *BoltStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	var (
		leaf  *mssmt.LeafNode
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := s.source(tx).leafRecord(key)
		if err != nil || !ok {
			return err
		}
		leaf, err = decodeLeafRecord(rec)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return leaf, found, nil
}

func (s *BoltStore) put(bucket []byte, hash mssmt.NodeHash, rec []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Put(namespacedKey([]byte(s.namespace), hash), rec)
	})
}

func (s *BoltStore) del(bucket []byte, hash mssmt.NodeHash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Delete(namespacedKey([]byte(s.namespace), hash))
	})
}

// InsertLeaf implements mssmt.TreeStore.
func (s *BoltStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	return s.put(bucketLeaves, leaf.NodeHash(), encodeLeafRecord(leaf))
}

// InsertBranch implements mssmt.TreeStore.
func (s *BoltStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	return s.put(bucketBranches, branch.NodeHash(), encodeBranchRecord(branch))
}

// InsertCompactedLeaf implements mssmt.TreeStore.
func (s *BoltStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	return s.put(bucketCompacted, leaf.NodeHash(), encodeCompactedLeafRecord(leaf))
}

// DeleteLeaf implements mssmt.TreeStore.
func (s *BoltStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.del(bucketLeaves, key)
}

// DeleteBranch implements mssmt.TreeStore.
func (s *BoltStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	return s.del(bucketBranches, key)
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s *BoltStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.del(bucketCompacted, key)
}

// UpdateRoot implements mssmt.TreeStore.
func (s *BoltStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	hash := root.NodeHash()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucketRoots)
		}
		if hash == mssmt.EmptyTree[0].NodeHash() {
			return b.Delete([]byte(s.namespace))
		}
		return b.Put([]byte(s.namespace), hash[:])
	})
}
