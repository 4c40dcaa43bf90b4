// Package backup takes consistent snapshots of the sqlite memory store,
// verifies them, prunes old ones and restores from them.
package backup

import (
	"time"
)

// Config holds snapshot service configuration.
type Config struct {
	// Dir is where snapshots are written. It is created if missing.
	Dir string

	// Interval between snapshots taken by Run (default: 6h).
	Interval time.Duration

	// Retention decides which snapshots survive pruning.
	Retention RetentionPolicy

	// Verify runs an integrity check on every new snapshot (default: true
	// from the binaries).
	Verify bool
}

// RetentionPolicy keeps the newest Recent snapshots, then the newest snapshot
// of each of the Daily most recent days that are not already covered.
// Everything else is deleted.
type RetentionPolicy struct {
	Recent int
	Daily  int
}

// Snapshot describes one snapshot file.
type Snapshot struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Result reports a completed backup.
type Result struct {
	Snapshot
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
	Pruned   []string      `json:"pruned,omitempty"`
}
