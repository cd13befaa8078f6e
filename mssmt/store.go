package mssmt

import (
	"context"
	"errors"
)

var (
	// ErrNodeNotFound is returned when a lookup references a hash that is
	// neither a stored node nor the empty node for that position.
	ErrNodeNotFound = errors.New("mssmt: node not found")

	// ErrExpectedBranch is returned when child resolution lands on a
	// stored node that is not a branch.
	ErrExpectedBranch = errors.New("mssmt: expected branch node")

	// ErrAlreadyExists is returned by backends that enforce uniqueness
	// when a branch or compacted leaf is inserted under a hash that is
	// already present.
	ErrAlreadyExists = errors.New("mssmt: node already exists")

	// ErrCorruptedRecord is returned when a stored record cannot be
	// decoded. The operation fails; corrupt data is never substituted
	// with a default.
	ErrCorruptedRecord = errors.New("mssmt: corrupted node record")
)

// TreeStore is the persistence contract trees operate against. Every call is
// atomic on its own and scoped to the namespace the handle currently points
// at. A handle must not be shared with concurrent namespace switches; wrap it
// in a shared store when multiple goroutines need access.
type TreeStore interface {
	// SetNamespace rebinds the handle to the given tree namespace. The
	// switch is pure in-memory state; no I/O happens until the next call.
	SetNamespace(namespace string)

	// RootNode returns the stored root of the current namespace. The
	// boolean reports whether a root has ever been recorded; callers fall
	// back to the canonical empty root when it is false.
	RootNode(ctx context.Context) (*BranchNode, bool, error)

	// GetChildren resolves both children of the branch with the given
	// hash, which sits at the given height. Children live at height+1 and
	// unpopulated sides resolve to that height's empty node. It fails
	// with ErrNodeNotFound when the hash is neither stored nor the empty
	// hash for the height, and with ErrExpectedBranch when the stored
	// node is not a branch.
	GetChildren(ctx context.Context, height int, key NodeHash) (Node, Node, error)

	// GetLeaf fetches a stored leaf by its node hash. The boolean is
	// false when no leaf is stored under the hash.
	GetLeaf(ctx context.Context, key NodeHash) (*LeafNode, bool, error)

	// InsertLeaf stores the leaf keyed by its node hash. Re-inserting an
	// identical leaf is a no-op; leaves are immutable once written.
	InsertLeaf(ctx context.Context, leaf *LeafNode) error

	// InsertBranch stores the branch keyed by its node hash.
	InsertBranch(ctx context.Context, branch *BranchNode) error

	// InsertCompactedLeaf stores the compacted leaf keyed by its node
	// hash.
	InsertCompactedLeaf(ctx context.Context, leaf *CompactedLeafNode) error

	// DeleteLeaf removes the leaf with the given hash. Deleting an absent
	// hash is a no-op.
	DeleteLeaf(ctx context.Context, key NodeHash) error

	// DeleteBranch removes the branch with the given hash. Deleting an
	// absent hash is a no-op.
	DeleteBranch(ctx context.Context, key NodeHash) error

	// DeleteCompactedLeaf removes the compacted leaf with the given hash.
	// Deleting an absent hash is a no-op.
	DeleteCompactedLeaf(ctx context.Context, key NodeHash) error

	// UpdateRoot records root as the current namespace's root, replacing
	// any previous record. Updating to the canonical empty root instead
	// clears the record, returning the namespace to its never-rooted
	// state; the empty root is never stored.
	UpdateRoot(ctx context.Context, root *BranchNode) error
}
