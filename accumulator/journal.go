package accumulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"sumtree/mssmt"
	"sumtree/observability/metrics"
)

// EntryOp names the accumulator operation a journal entry records.
type EntryOp string

const (
	OpIssue  EntryOp = "ISSUE"
	OpRedeem EntryOp = "REDEEM"
)

const journalDomain = "sumtree/journal/v1"

// Event is one liability mutation: the leaf that changed and the root the
// tree committed to afterwards.
type Event struct {
	Seq      uint64
	Unit     string
	Op       EntryOp
	Amount   uint64
	LeafHash mssmt.NodeHash
	RootHash mssmt.NodeHash
	RootSum  uint64
}

// JournalEntry persists one event. Digest chains over PrevDigest and the
// entry payload, making silent edits to history detectable on replay.
type JournalEntry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex"`
	Unit       string    `gorm:"size:16;index"`
	Op         EntryOp   `gorm:"size:8"`
	Amount     uint64
	LeafHash   string `gorm:"size:64"`
	RootHash   string `gorm:"size:64"`
	RootSum    uint64
	PrevDigest string `gorm:"size:64"`
	Digest     string `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// Journal is the tamper-evident audit log of accumulator mutations.
type Journal struct {
	db *gorm.DB

	mu         sync.Mutex
	lastSeq    uint64
	lastDigest [32]byte
}

// OpenJournal connects to the journal database, migrates the schema, and
// seeds the chain tail. Postgres DSNs select the postgres driver; anything
// else is treated as an SQLite path.
func OpenJournal(dsn string) (*Journal, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: dsn must be configured")
	}
	db, err := gorm.Open(journalDialector(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&JournalEntry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	j := &Journal{db: db, lastDigest: genesisDigest()}

	var tail JournalEntry
	err = db.Order("seq DESC").First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("load journal tail: %w", err)
	default:
		digest, decodeErr := decodeDigest(tail.Digest)
		if decodeErr != nil {
			return nil, fmt.Errorf("journal tail %d: %w", tail.Seq, decodeErr)
		}
		j.lastSeq = tail.Seq
		j.lastDigest = digest
	}

	metrics.Journal().SetChainHead(j.lastSeq)
	return j, nil
}

func journalDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.HasPrefix(dsn, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Seq returns the sequence number of the newest entry, zero when the
// journal is empty.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Append records the event as the next chain entry.
func (j *Journal) Append(ctx context.Context, ev Event) (*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.lastSeq + 1
	digest, err := entryDigest(j.lastDigest, seq, ev)
	if err != nil {
		return nil, err
	}

	entry := &JournalEntry{
		ID:         uuid.New(),
		Seq:        seq,
		Unit:       ev.Unit,
		Op:         ev.Op,
		Amount:     ev.Amount,
		LeafHash:   hex.EncodeToString(ev.LeafHash[:]),
		RootHash:   hex.EncodeToString(ev.RootHash[:]),
		RootSum:    ev.RootSum,
		PrevDigest: hex.EncodeToString(j.lastDigest[:]),
		Digest:     hex.EncodeToString(digest[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append journal entry %d: %w", seq, err)
	}

	j.lastSeq = seq
	j.lastDigest = digest

	metrics.Journal().RecordAppend(string(ev.Op))
	metrics.Journal().SetChainHead(seq)
	return entry, nil
}

// Entries returns up to limit entries with sequence numbers greater than
// afterSeq, oldest first.
func (j *Journal) Entries(ctx context.Context, afterSeq uint64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 256
	}
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}

// Verify replays the whole chain from genesis, checking sequence
// continuity, the prev-digest links, and every recomputed digest.
func (j *Journal) Verify(ctx context.Context) error {
	err := j.verifyChain(ctx)
	metrics.Journal().RecordVerification(err)
	return err
}

func (j *Journal) verifyChain(ctx context.Context) error {
	prev := genesisDigest()
	expected := uint64(1)

	var batch []JournalEntry
	result := j.db.WithContext(ctx).Order("seq ASC").
		FindInBatches(&batch, 256, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				entry := &batch[i]
				if entry.Seq != expected {
					return fmt.Errorf(
						"journal: entry %d: sequence gap, want %d",
						entry.Seq, expected,
					)
				}
				ev, err := entry.Event()
				if err != nil {
					return err
				}
				if entry.PrevDigest != hex.EncodeToString(prev[:]) {
					return fmt.Errorf(
						"journal: entry %d: prev digest does not chain",
						entry.Seq,
					)
				}
				digest, err := entryDigest(prev, entry.Seq, ev)
				if err != nil {
					return err
				}
				if entry.Digest != hex.EncodeToString(digest[:]) {
					return fmt.Errorf(
						"journal: entry %d: digest mismatch, payload altered",
						entry.Seq,
					)
				}
				prev = digest
				expected++
			}
			return nil
		})
	if result.Error != nil {
		return result.Error
	}
	return nil
}

// Event decodes the stored hex fields back into the raw event.
func (e *JournalEntry) Event() (Event, error) {
	ev := Event{
		Seq:     e.Seq,
		Unit:    e.Unit,
		Op:      e.Op,
		Amount:  e.Amount,
		RootSum: e.RootSum,
	}
	leaf, err := decodeDigest(e.LeafHash)
	if err != nil {
		return ev, fmt.Errorf("journal: entry %d: leaf hash: %w", e.Seq, err)
	}
	root, err := decodeDigest(e.RootHash)
	if err != nil {
		return ev, fmt.Errorf("journal: entry %d: root hash: %w", e.Seq, err)
	}
	ev.LeafHash = mssmt.NodeHash(leaf)
	ev.RootHash = mssmt.NodeHash(root)
	return ev, nil
}

func genesisDigest() [32]byte {
	return blake3.Sum256([]byte(journalDomain))
}

func entryDigest(prev [32]byte, seq uint64, ev Event) ([32]byte, error) {
	var zero [32]byte
	buf := bytes.NewBuffer(nil)
	buf.Write(prev[:])
	if err := binary.Write(buf, binary.BigEndian, seq); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(ev.Unit)); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(string(ev.Op))); err != nil {
		return zero, err
	}
	if err := binary.Write(buf, binary.BigEndian, ev.Amount); err != nil {
		return zero, err
	}
	buf.Write(ev.LeafHash[:])
	buf.Write(ev.RootHash[:])
	if err := binary.Write(buf, binary.BigEndian, ev.RootSum); err != nil {
		return zero, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := buf.Write(data)
	return err
}

func decodeDigest(encoded string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return out, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("decode digest: got %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}
