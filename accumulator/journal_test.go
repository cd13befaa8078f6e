package accumulator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sumtree/mssmt"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })
	return j, path
}

func journalEvent(i byte) Event {
	return Event{
		Unit:     "sat",
		Op:       OpIssue,
		Amount:   uint64(i) * 10,
		LeafHash: mssmt.NodeHash{i},
		RootHash: mssmt.NodeHash{0xf0, i},
		RootSum:  uint64(i) * 10,
	}
}

func TestJournalAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)

	for i := byte(1); i <= 3; i++ {
		entry, err := j.Append(ctx, journalEvent(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), entry.Seq)
	}
	require.Equal(t, uint64(3), j.Seq())
	require.NoError(t, j.Verify(ctx))

	entries, err := j.Entries(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(2), entries[0].Seq)

	ev, err := entries[0].Event()
	require.NoError(t, err)
	require.Equal(t, mssmt.NodeHash{2}, ev.LeafHash)
	require.Equal(t, uint64(20), ev.Amount)
}

func TestJournalDetectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)

	for i := byte(1); i <= 3; i++ {
		_, err := j.Append(ctx, journalEvent(i))
		require.NoError(t, err)
	}

	err := j.db.Model(&JournalEntry{}).
		Where("seq = ?", 2).
		Update("amount", 999999).Error
	require.NoError(t, err)

	err = j.Verify(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "digest mismatch")
}

func TestJournalDetectsDroppedEntry(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)

	for i := byte(1); i <= 3; i++ {
		_, err := j.Append(ctx, journalEvent(i))
		require.NoError(t, err)
	}

	err := j.db.Where("seq = ?", 2).Delete(&JournalEntry{}).Error
	require.NoError(t, err)

	err = j.Verify(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sequence gap")
}

func TestJournalReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.sqlite")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	for i := byte(1); i <= 2; i++ {
		_, err := j.Append(ctx, journalEvent(i))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, j.Close()) }()

	require.Equal(t, uint64(2), j.Seq())
	_, err = j.Append(ctx, journalEvent(3))
	require.NoError(t, err)
	require.NoError(t, j.Verify(ctx))
}

func TestJournalRequiresDSN(t *testing.T) {
	_, err := OpenJournal("   ")
	require.Error(t, err)
}
