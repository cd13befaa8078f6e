package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"sumtree/mssmt"
)

// ErrPathRequired is returned when a file-backed store is opened without a
// path.
var ErrPathRequired = errors.New("storage: database path must be configured")

const sqliteFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN carrying the
// pragmas the store relies on.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, sqliteFilePragmas), nil
}

// sqlMigrations apply in order. PRAGMA user_version records how many have
// run; migrations are forward-only.
var sqlMigrations = []string{
	`CREATE TABLE mssmt_nodes (
        hash_key BLOB NOT NULL,
        l_hash_key BLOB,
        r_hash_key BLOB,
        key BLOB,
        value BLOB,
        sum INTEGER NOT NULL,
        namespace TEXT NOT NULL,
        PRIMARY KEY (hash_key, namespace)
    )`,
	`CREATE TABLE mssmt_roots (
        namespace TEXT PRIMARY KEY,
        root_hash BLOB NOT NULL
    )`,
	`CREATE INDEX mssmt_nodes_l_hash_key_idx ON mssmt_nodes (l_hash_key)`,
	`CREATE INDEX mssmt_nodes_r_hash_key_idx ON mssmt_nodes (r_hash_key)`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(sqlMigrations) {
		return fmt.Errorf("schema version %d is newer than this build supports", version)
	}
	for i := version; i < len(sqlMigrations); i++ {
		if _, err := db.Exec(sqlMigrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("record schema version %d: %w", i+1, err)
		}
	}
	return nil
}

// sqlChildPrefetchDepth bounds the recursive child fetch at the requested
// node, its children and grandchildren, which covers everything one child
// resolution can touch.
const sqlChildPrefetchDepth = 3

var subtreeQuery = fmt.Sprintf(`
WITH RECURSIVE nodes_cte (hash_key, l_hash_key, r_hash_key, key, value, sum, depth) AS (
    SELECT hash_key, l_hash_key, r_hash_key, key, value, sum, 0 AS depth
    FROM mssmt_nodes
    WHERE hash_key = ? AND namespace = ?
    UNION ALL
    SELECT n.hash_key, n.l_hash_key, n.r_hash_key, n.key, n.value, n.sum, c.depth + 1
    FROM mssmt_nodes n
    JOIN nodes_cte c ON n.hash_key = c.l_hash_key OR n.hash_key = c.r_hash_key
    WHERE n.namespace = ? AND c.depth < %d
)
SELECT hash_key, l_hash_key, r_hash_key, key, value, sum FROM nodes_cte
`, sqlChildPrefetchDepth)

// SQLStore persists trees relationally: one row per node in a shared table
// plus a per-namespace root table. It targets SQLite through a pure-Go
// driver. Tree walks interleave reads and writes over one logical state, so
// all calls share a single connection.
type SQLStore struct {
	db        *sql.DB
	namespace string
}

// NewSQLStore opens (and migrates) the database at dsn with the handle
// bound to the given namespace. Use FileDSN to derive a dsn from a plain
// path.
func NewSQLStore(dsn, namespace string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, namespace: namespace}, nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// sqlNodeRow is one fetched mssmt_nodes row. Sums round-trip through the
// signed column via two's complement.
type sqlNodeRow struct {
	hash  mssmt.NodeHash
	left  *mssmt.NodeHash
	right *mssmt.NodeHash
	key   *mssmt.NodeHash
	value []byte
	sum   uint64
}

func scanHash(raw []byte, what string) (*mssmt.NodeHash, error) {
	if raw == nil {
		return nil, nil
	}
	hash, ok := mssmt.NewNodeHashFromBytes(raw)
	if !ok {
		return nil, fmt.Errorf("%s has %d bytes: %w", what, len(raw),
			mssmt.ErrCorruptedRecord)
	}
	return &hash, nil
}

// fetchSubtree loads the node stored under hash together with up to two
// levels below it, keyed by node hash.
func (s *SQLStore) fetchSubtree(ctx context.Context, hash mssmt.NodeHash) (map[mssmt.NodeHash]sqlNodeRow, error) {
	rows, err := s.db.QueryContext(ctx, subtreeQuery, hash[:], s.namespace, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	defer rows.Close()

	subtree := make(map[mssmt.NodeHash]sqlNodeRow)
	for rows.Next() {
		var (
			row      sqlNodeRow
			hashRaw  []byte
			leftRaw  []byte
			rightRaw []byte
			keyRaw   []byte
			sum      int64
		)
		err := rows.Scan(&hashRaw, &leftRaw, &rightRaw, &keyRaw, &row.value, &sum)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}

		hashKey, err := scanHash(hashRaw, "node hash")
		if err != nil {
			return nil, err
		}
		row.hash = *hashKey
		if row.left, err = scanHash(leftRaw, "left hash"); err != nil {
			return nil, err
		}
		if row.right, err = scanHash(rightRaw, "right hash"); err != nil {
			return nil, err
		}
		if row.key, err = scanHash(keyRaw, "leaf key"); err != nil {
			return nil, err
		}
		row.sum = uint64(sum)
		subtree[row.hash] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtree: %w", err)
	}
	return subtree, nil
}

// resolveRow types a fetched row into its node. Interior rows come back as
// computed nodes carrying hash and sum.
func resolveRow(row sqlNodeRow) mssmt.Node {
	switch {
	case row.left != nil && row.right != nil:
		return mssmt.NewComputedNode(row.hash, row.sum)
	case row.key != nil:
		leaf := mssmt.NewLeafNode(row.value, row.sum)
		return mssmt.NewComputedCompactedLeaf(row.hash, *row.key, leaf)
	default:
		return mssmt.NewLeafNode(row.value, row.sum)
	}
}

func resolveChildRow(subtree map[mssmt.NodeHash]sqlNodeRow, height int, hash mssmt.NodeHash) (mssmt.Node, error) {
	if hash == mssmt.EmptyTree[height].NodeHash() {
		return mssmt.EmptyTree[height], nil
	}
	row, ok := subtree[hash]
	if !ok {
		return nil, fmt.Errorf("node %s at height %d: %w", hash, height,
			mssmt.ErrNodeNotFound)
	}
	return resolveRow(row), nil
}

// SetNamespace implements mssmt.TreeStore.
func (s *SQLStore) SetNamespace(namespace string) {
	s.namespace = namespace
}

// RootNode implements mssmt.TreeStore.
func (s *SQLStore) RootNode(ctx context.Context) (*mssmt.BranchNode, bool, error) {
	var rec []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT root_hash FROM mssmt_roots WHERE namespace = ?
    `, s.namespace).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query root: %w", err)
	}
	rootHash, ok := mssmt.NewNodeHashFromBytes(rec)
	if !ok {
		return nil, false, fmt.Errorf("root record has %d bytes: %w",
			len(rec), mssmt.ErrCorruptedRecord)
	}

	subtree, err := s.fetchSubtree(ctx, rootHash)
	if err != nil {
		return nil, false, err
	}
	row, found := subtree[rootHash]
	if !found {
		return nil, false, fmt.Errorf("root %s: %w", rootHash,
			mssmt.ErrNodeNotFound)
	}
	if row.left == nil || row.right == nil {
		return nil, false, fmt.Errorf("root %s: %w", rootHash,
			mssmt.ErrExpectedBranch)
	}
	left, err := resolveChildRow(subtree, 1, *row.left)
	if err != nil {
		return nil, false, err
	}
	right, err := resolveChildRow(subtree, 1, *row.right)
	if err != nil {
		return nil, false, err
	}
	return mssmt.NewBranch(left, right), true, nil
}

// GetChildren implements mssmt.TreeStore.
func (s *SQLStore) GetChildren(ctx context.Context, height int, key mssmt.NodeHash) (mssmt.Node, mssmt.Node, error) {
	if height < 0 || height >= mssmt.MaxTreeLevels {
		return nil, nil, fmt.Errorf("height %d out of range", height)
	}
	if key == mssmt.EmptyTree[height].NodeHash() {
		empty := mssmt.EmptyTree[height+1]
		return empty, empty, nil
	}

	subtree, err := s.fetchSubtree(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	row, ok := subtree[key]
	if !ok {
		return nil, nil, fmt.Errorf("node %s at height %d: %w", key,
			height, mssmt.ErrNodeNotFound)
	}
	if row.left == nil || row.right == nil {
		return nil, nil, fmt.Errorf("node %s at height %d: %w", key,
			height, mssmt.ErrExpectedBranch)
	}
	left, err := resolveChildRow(subtree, height+1, *row.left)
	if err != nil {
		return nil, nil, err
	}
	right, err := resolveChildRow(subtree, height+1, *row.right)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// GetLeaf implements mssmt.TreeStore.
func (s *SQLStore) GetLeaf(ctx context.Context, key mssmt.NodeHash) (*mssmt.LeafNode, bool, error) {
	var (
		value []byte
		sum   int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT value, sum FROM mssmt_nodes
        WHERE hash_key = ? AND namespace = ?
          AND l_hash_key IS NULL AND r_hash_key IS NULL AND key IS NULL
    `, key[:], s.namespace).Scan(&value, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query leaf: %w", err)
	}
	return mssmt.NewLeafNode(value, uint64(sum)), true, nil
}

// InsertLeaf implements mssmt.TreeStore. Re-inserting a leaf that is already
// present is expected during rebalancing and is a no-op.
func (s *SQLStore) InsertLeaf(ctx context.Context, leaf *mssmt.LeafNode) error {
	hash := leaf.NodeHash()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO mssmt_nodes(hash_key, l_hash_key, r_hash_key, key, value, sum, namespace)
        VALUES(?, NULL, NULL, NULL, ?, ?, ?)
        ON CONFLICT(hash_key, namespace) DO NOTHING
    `, hash[:], leaf.Value, int64(leaf.NodeSum()), s.namespace)
	if err != nil {
		return fmt.Errorf("insert leaf: %w", err)
	}
	return nil
}

// InsertBranch implements mssmt.TreeStore. A duplicate hash within the
// namespace is a logic error upstream and fails with ErrAlreadyExists.
func (s *SQLStore) InsertBranch(ctx context.Context, branch *mssmt.BranchNode) error {
	hash := branch.NodeHash()
	left := branch.Left.NodeHash()
	right := branch.Right.NodeHash()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO mssmt_nodes(hash_key, l_hash_key, r_hash_key, key, value, sum, namespace)
        VALUES(?, ?, ?, NULL, NULL, ?, ?)
        ON CONFLICT(hash_key, namespace) DO NOTHING
    `, hash[:], left[:], right[:], int64(branch.NodeSum()), s.namespace)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("branch %s: %w", hash, mssmt.ErrAlreadyExists)
	}
	return nil
}

// InsertCompactedLeaf implements mssmt.TreeStore. Duplicates fail the same
// way branch duplicates do.
func (s *SQLStore) InsertCompactedLeaf(ctx context.Context, leaf *mssmt.CompactedLeafNode) error {
	hash := leaf.NodeHash()
	key := leaf.Key()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO mssmt_nodes(hash_key, l_hash_key, r_hash_key, key, value, sum, namespace)
        VALUES(?, NULL, NULL, ?, ?, ?, ?)
        ON CONFLICT(hash_key, namespace) DO NOTHING
    `, hash[:], key[:], leaf.Value, int64(leaf.NodeSum()), s.namespace)
	if err != nil {
		return fmt.Errorf("insert compacted leaf: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert compacted leaf: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("compacted leaf %s: %w", hash, mssmt.ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) deleteNode(ctx context.Context, kind string, key mssmt.NodeHash) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM mssmt_nodes WHERE hash_key = ? AND namespace = ?
    `, key[:], s.namespace)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

// DeleteLeaf implements mssmt.TreeStore.
func (s *SQLStore) DeleteLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.deleteNode(ctx, "leaf", key)
}

// DeleteBranch implements mssmt.TreeStore.
func (s *SQLStore) DeleteBranch(ctx context.Context, key mssmt.NodeHash) error {
	return s.deleteNode(ctx, "branch", key)
}

// DeleteCompactedLeaf implements mssmt.TreeStore.
func (s *SQLStore) DeleteCompactedLeaf(ctx context.Context, key mssmt.NodeHash) error {
	return s.deleteNode(ctx, "compacted leaf", key)
}

// UpdateRoot implements mssmt.TreeStore.
func (s *SQLStore) UpdateRoot(ctx context.Context, root *mssmt.BranchNode) error {
	hash := root.NodeHash()
	if hash == mssmt.EmptyTree[0].NodeHash() {
		_, err := s.db.ExecContext(ctx, `
            DELETE FROM mssmt_roots WHERE namespace = ?
        `, s.namespace)
		if err != nil {
			return fmt.Errorf("clear root: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO mssmt_roots(namespace, root_hash)
        VALUES(?, ?)
        ON CONFLICT(namespace) DO UPDATE SET root_hash = excluded.root_hash
    `, s.namespace, hash[:])
	if err != nil {
		return fmt.Errorf("update root: %w", err)
	}
	return nil
}
