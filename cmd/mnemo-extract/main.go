// Command mnemo-extract runs one extraction pass over the configured
// transcripts and prints what it did.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/mnemo/internal/app"
	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/notify"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional, env vars override it)")
	asJSON := flag.Bool("json", false, "Print the run summary as JSON")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("mnemo-extract: ")

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
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// A running mnemo-server picks these up for its websocket clients.
	relayed := notify.Forward(context.Background(), a.Events, notify.NewEventWriter(cfg.Storage.DataPath))

	summary, runErr := a.Scheduler.RunOnce(ctx)
	if err := a.Close(); err != nil {
		log.Printf("WARNING: shutdown: %v", err)
	}
	<-relayed
	if summary != nil {
		if err := printSummary(os.Stdout, summary, *asJSON); err != nil {
			log.Printf("ERROR: failed to print summary: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("Extraction failed: %v", runErr)
	}
}

func printSummary(w io.Writer, s *engine.RunSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	took := time.Duration(0)
	if !s.FinishedAt.IsZero() {
		took = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)
	}
	_, err := fmt.Fprintf(w, `Run %s finished in %v
  Files:      %d (%d with errors)
  Chunks:     %d processed, %d skipped, %d failed, %d abandoned
  Candidates: %d extracted, %d dropped
  Memories:   %d created, %d merged
`,
		s.RunID, took,
		s.Files, s.FileErrors,
		s.ChunksProcessed, s.ChunksSkipped, s.ChunksFailed, s.ChunksAbandoned,
		s.CandidatesExtracted, s.CandidatesDropped,
		s.MemoriesCreated, s.MemoriesMerged,
	)
	if err == nil && s.Error != "" {
		_, err = fmt.Fprintf(w, "  Error:      %s\n", s.Error)
	}
	return err
}
