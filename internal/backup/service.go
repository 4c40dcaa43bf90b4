package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Service snapshots one database on demand or on a fixed interval.
type Service struct {
	db  *sql.DB
	cfg Config
	now func() time.Time

	mu         sync.Mutex // serializes snapshots
	lastBackup time.Time
}

// NewService creates a snapshot service for db. db may be the live store
// connection or one from OpenReadOnly.
func NewService(db *sql.DB, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Retention.Recent < 1 {
		cfg.Retention.Recent = 1
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Service{db: db, cfg: cfg, now: time.Now}, nil
}

// BackupNow writes a snapshot, verifies it when configured and prunes
// snapshots the retention policy no longer keeps. A failed verification
// removes the new snapshot.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	path := filepath.Join(s.cfg.Dir, snapshotName(start))
	if err := vacuumInto(ctx, s.db, path); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	res := &Result{Snapshot: Snapshot{Path: path, CreatedAt: start.UTC()}}
	if s.cfg.Verify {
		if err := Verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
		res.Verified = true
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	res.Size = info.Size()

	pruned, err := Prune(s.cfg.Dir, s.cfg.Retention)
	if err != nil {
		log.Printf("backup: WARNING: %v", err)
	}
	res.Pruned = pruned
	res.Duration = s.now().Sub(start)
	s.lastBackup = start
	return res, nil
}

// Run takes a snapshot every interval until ctx is cancelled. A failed
// snapshot is logged and retried at the next tick.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Printf("backup: snapshots every %v into %s", s.cfg.Interval, s.cfg.Dir)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.BackupNow(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("backup: ERROR: %v", err)
				}
				continue
			}
			log.Printf("backup: wrote %s (%d bytes, %v, %d pruned)",
				res.Path, res.Size, res.Duration.Round(time.Millisecond), len(res.Pruned))
		}
	}
}

// LastBackup returns when the last snapshot taken by this service started.
func (s *Service) LastBackup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBackup
}

// List returns the snapshots in the service directory, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return List(s.cfg.Dir)
}
