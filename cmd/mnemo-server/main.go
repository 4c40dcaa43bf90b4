// Command mnemo-server runs periodic memory extraction and serves retrieval,
// feedback and extraction control over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/mnemo/internal/app"
	"github.com/scrypster/mnemo/internal/backup"
	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/notify"
	"github.com/scrypster/mnemo/internal/server"
	"github.com/scrypster/mnemo/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional, env vars override it)")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("mnemo-server: ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("WARNING: shutdown: %v", err)
		}
	}()

	if err := a.Scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Extraction.Watch {
		w := transcript.NewWatcher(a.Source, cfg.Extraction.WatchDebounce, func() {
			if _, err := a.Scheduler.Trigger(ctx); err != nil {
				log.Printf("watch: run not started: %v", err)
			}
		})
		if err := w.Start(); err != nil {
			log.Printf("WARNING: transcript watcher disabled: %v", err)
		} else {
			defer w.Stop()
		}
	}

	// Runs started by mnemo-extract or mnemo-mcp against the same data path.
	relay := notify.Relay(cfg.Storage.DataPath, a.Events)
	if err := relay.Start(); err != nil {
		log.Printf("WARNING: cross-process run events disabled: %v", err)
	} else {
		defer relay.Stop()
	}

	if cfg.Backup.Enabled && a.SQLite != nil {
		svc, err := backup.NewService(a.SQLite.GetDB(), backup.Config{
			Dir:       cfg.BackupDir(),
			Interval:  cfg.Backup.Interval,
			Retention: backup.RetentionPolicy{Recent: cfg.Backup.Recent, Daily: cfg.Backup.Daily},
			Verify:    true,
		})
		if err != nil {
			log.Fatalf("Failed to initialize backups: %v", err)
		}
		go svc.Run(ctx)
	}

	srv, err := server.New(cfg, server.Deps{
		Retriever:  a.Retriever,
		Feedback:   a.Feedback,
		Extraction: a.Scheduler,
		Memories:   a.Store,
		Events:     a.Events,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	addr, err := srv.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("mnemo running at http://%s (mode %s)", addr, cfg.Security.Mode)

	<-ctx.Done()
	log.Println("Shutting down gracefully...")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfigFile(path)
	}
	return config.LoadConfig()
}
