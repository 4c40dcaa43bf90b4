package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenReadOnly opens the sqlite database at path without write access, for
// snapshotting a store owned by another process.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}
	return db, nil
}

// vacuumInto writes a consistent point-in-time copy of db to destPath.
// VACUUM INTO copes with WAL mode and with in-memory databases.
func vacuumInto(ctx context.Context, db *sql.DB, destPath string) error {
	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// Verify runs sqlite's integrity check on the snapshot at path.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore replaces the database at targetPath with the snapshot at
// snapshotPath. Nothing may hold the target open.
//
// The copy goes to a temporary file next to the target and is renamed into
// place once verified, so a failed restore leaves the target untouched.
func Restore(ctx context.Context, snapshotPath, targetPath string) error {
	if err := Verify(ctx, snapshotPath); err != nil {
		return fmt.Errorf("snapshot verification failed: %w", err)
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".restore-*.db")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to copy snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync restored database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close restored database: %w", err)
	}
	if err := Verify(ctx, tmpPath); err != nil {
		return fmt.Errorf("restored database verification failed: %w", err)
	}

	// Stale WAL files would be replayed over the restored pages.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(targetPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", targetPath+suffix, err)
		}
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("failed to move restored database into place: %w", err)
	}
	return nil
}
