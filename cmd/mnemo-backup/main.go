// Command mnemo-backup snapshots, lists and restores the sqlite memory store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/mnemo/internal/backup"
	"github.com/scrypster/mnemo/internal/config"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file (optional, uses env vars by default)")
	dbPath     = flag.String("db", "", "Path to database file (overrides config)")
	backupDir  = flag.String("backup-dir", "", "Backup directory path (overrides config)")
	interval   = flag.Duration("interval", 0, "Snapshot interval in service mode (overrides config)")
	verify     = flag.Bool("verify", true, "Verify snapshots after creation")
	serve      = flag.Bool("serve", false, "Keep running and snapshot every interval")
	restore    = flag.String("restore", "", "Restore the database from a snapshot file and exit")
	listCmd    = flag.Bool("list", false, "List available snapshots and exit")
)

func main() {
	flag.Parse()
	log.SetOutput(os.Stderr)
	log.SetPrefix("mnemo-backup: ")

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db := cfg.DatabasePath()
	if *dbPath != "" {
		db = *dbPath
	}
	dir := cfg.BackupDir()
	if *backupDir != "" {
		dir = *backupDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *restore != "":
		log.Printf("Restoring %s from %s", db, *restore)
		if err := backup.Restore(ctx, *restore, db); err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Println("Database restored successfully")
		return
	case *listCmd:
		handleList(dir)
		return
	}

	source, err := backup.OpenReadOnly(db)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = source.Close() }()

	every := cfg.Backup.Interval
	if *interval > 0 {
		every = *interval
	}
	svc, err := backup.NewService(source, backup.Config{
		Dir:       dir,
		Interval:  every,
		Retention: backup.RetentionPolicy{Recent: cfg.Backup.Recent, Daily: cfg.Backup.Daily},
		Verify:    *verify,
	})
	if err != nil {
		log.Fatalf("Failed to create backup service: %v", err)
	}

	if *serve {
		log.Println("Backup service started, press Ctrl+C to stop")
		svc.Run(ctx)
		log.Println("Backup service stopped")
		return
	}

	res, err := svc.BackupNow(ctx)
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}
	log.Printf("Backup completed:")
	log.Printf("  Path: %s", res.Path)
	log.Printf("  Size: %.2f MB", float64(res.Size)/(1024*1024))
	log.Printf("  Duration: %v", res.Duration)
	log.Printf("  Verified: %v", res.Verified)
	if len(res.Pruned) > 0 {
		log.Printf("  Pruned: %d old snapshot(s)", len(res.Pruned))
	}
}

func handleList(dir string) {
	snaps, err := backup.List(dir)
	if err != nil {
		log.Fatalf("Failed to list backups: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No backups found")
		return
	}

	fmt.Printf("Found %d backup(s) in %s:\n\n", len(snaps), dir)
	for i, s := range snaps {
		fmt.Printf("%d. %s\n", i+1, s.Path)
		fmt.Printf("   Size: %.2f MB\n", float64(s.Size)/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			s.CreatedAt.Format(time.RFC3339),
			time.Since(s.CreatedAt).Round(time.Minute))
	}
}
