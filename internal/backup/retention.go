package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotPrefix = "mnemo-"
	snapshotSuffix = ".db"
	stampLayout    = "20060102T150405.000Z"
)

func snapshotName(at time.Time) string {
	return snapshotPrefix + at.UTC().Format(stampLayout) + snapshotSuffix
}

// parseSnapshotName returns the creation time encoded in a snapshot file
// name. Files not written by this package are ignored.
func parseSnapshotName(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, snapshotPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, snapshotSuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// List returns the snapshots in dir, newest first.
func List(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		created, ok := parseSnapshotName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed concurrently
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// expired picks the snapshots the policy does not keep. snaps must be
// sorted newest first, so the first snapshot seen for a day is its newest.
func expired(snaps []Snapshot, policy RetentionPolicy) []Snapshot {
	keep := min(max(policy.Recent, 0), len(snaps))

	covered := make(map[string]bool)
	for _, s := range snaps[:keep] {
		covered[dayOf(s)] = true
	}

	var out []Snapshot
	daily := 0
	for _, s := range snaps[keep:] {
		day := dayOf(s)
		if !covered[day] && daily < policy.Daily {
			covered[day] = true
			daily++
			continue
		}
		out = append(out, s)
	}
	return out
}

func dayOf(s Snapshot) string {
	return s.CreatedAt.UTC().Format(time.DateOnly)
}

// Prune deletes the snapshots in dir that policy does not keep and returns
// their paths. Deletion continues past individual failures.
func Prune(dir string, policy RetentionPolicy) ([]string, error) {
	snaps, err := List(dir)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, s := range expired(snaps, policy) {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, s.Path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to delete some snapshots: %w", errors.Join(errs...))
	}
	return removed, nil
}

// DiskUsage returns the total size of the snapshots in dir.
func DiskUsage(dir string) (int64, error) {
	snaps, err := List(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return total, nil
}
