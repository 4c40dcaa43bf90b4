package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/pkg/types"
)

func newStoreWithEntity(t *testing.T) (*sqlite.Store, *types.Entity) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &types.Entity{Slug: "postgresql", Name: "PostgreSQL", Type: types.EntityTypeTool}
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return store, e
}

// clock returns successive times one hour apart starting at start.
func clock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(time.Hour)
		return now
	}
}

func TestBackupNow_WritesVerifiedSnapshot(t *testing.T) {
	store, ent := newStoreWithEntity(t)
	dir := t.TempDir()

	svc, err := NewService(store.GetDB(), Config{Dir: dir, Verify: true, Retention: RetentionPolicy{Recent: 3}})
	require.NoError(t, err)
	svc.now = clock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	res, err := svc.BackupNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Positive(t, res.Size)
	assert.Equal(t, filepath.Join(dir, "mnemo-20260302T090000.000Z.db"), res.Path)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), svc.LastBackup())

	// The snapshot is a working store with the same contents.
	restored, err := sqlite.NewStore(res.Path)
	require.NoError(t, err)
	defer restored.Close()
	got, err := restored.GetEntity(context.Background(), ent.ID)
	require.NoError(t, err)
	assert.Equal(t, "postgresql", got.Slug)
}

func TestBackupNow_PrunesPerPolicy(t *testing.T) {
	store, _ := newStoreWithEntity(t)
	dir := t.TempDir()

	svc, err := NewService(store.GetDB(), Config{Dir: dir, Retention: RetentionPolicy{Recent: 2}})
	require.NoError(t, err)
	svc.now = clock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	var last *Result
	for i := 0; i < 4; i++ {
		last, err = svc.BackupNow(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, last.Pruned, 1)

	snaps, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, last.Path, snaps[0].Path, "newest first")
}

func TestNewService_Validation(t *testing.T) {
	store, _ := newStoreWithEntity(t)

	_, err := NewService(nil, Config{Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewService(store.GetDB(), Config{})
	assert.ErrorContains(t, err, "directory")
}

func TestExpired(t *testing.T) {
	at := func(day, hour int) Snapshot {
		ts := time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
		return Snapshot{Path: ts.Format(time.RFC3339), CreatedAt: ts}
	}
	// Newest first. Day 10 is covered by the recent snapshots, days 9 and 8
	// keep their newest snapshot, day 7 exceeds the daily allowance.
	snaps := []Snapshot{
		at(10, 18), at(10, 12), at(10, 6),
		at(9, 18), at(9, 6),
		at(8, 12),
		at(7, 12),
	}

	got := expired(snaps, RetentionPolicy{Recent: 2, Daily: 2})

	var paths []string
	for _, s := range got {
		paths = append(paths, s.Path)
	}
	assert.Equal(t, []string{at(10, 6).Path, at(9, 6).Path, at(7, 12).Path}, paths)

	assert.Empty(t, expired(snaps[:2], RetentionPolicy{Recent: 5}))
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.db"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mnemo-garbage.db"), []byte("x"), 0o600))
	name := snapshotName(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("abc"), 0o600))

	snaps, err := List(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(3), snaps[0].Size)

	usage, err := DiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)

	missing, err := List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRestore(t *testing.T) {
	store, ent := newStoreWithEntity(t)
	dir := t.TempDir()
	svc, err := NewService(store.GetDB(), Config{Dir: filepath.Join(dir, "backups"), Verify: true})
	require.NoError(t, err)

	res, err := svc.BackupNow(context.Background())
	require.NoError(t, err)

	target := filepath.Join(dir, "data", "mnemo.db")
	require.NoError(t, Restore(context.Background(), res.Path, target))

	restored, err := sqlite.NewStore(target)
	require.NoError(t, err)
	defer restored.Close()
	_, err = restored.GetEntity(context.Background(), ent.ID)
	assert.NoError(t, err)
}

func TestRestore_RejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.db")
	require.NoError(t, os.WriteFile(bad, []byte("not a database"), 0o600))

	target := filepath.Join(dir, "mnemo.db")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o600))

	assert.Error(t, Restore(context.Background(), bad, target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "target untouched")
}
