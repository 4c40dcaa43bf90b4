// Command mnemo-mcp serves memory recall, feedback and extraction control
// to coding agents over the Model Context Protocol on stdin/stdout.
//
// All logging goes to stderr. Any bytes written to stdout that are not
// JSON-RPC 2.0 response frames corrupt the protocol.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/mnemo/internal/api/mcp"
	"github.com/scrypster/mnemo/internal/app"
	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/notify"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional, env vars override it)")
	schedule := flag.Bool("schedule", false, "Also run periodic extraction in this process")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("mnemo-mcp: ")
	log.SetFlags(log.LstdFlags)

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
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	notify.Forward(ctx, a.Events, notify.NewEventWriter(cfg.Storage.DataPath))

	if *schedule {
		if err := a.Scheduler.Start(ctx); err != nil {
			log.Fatalf("failed to start scheduler: %v", err)
		}
	}

	opts := []mcp.ServerOption{mcp.WithExtraction(a.Scheduler)}
	if session := os.Getenv("MNEMO_SESSION_ID"); session != "" {
		opts = append(opts, mcp.WithSessionID(session))
	}
	srv, err := mcp.NewServer(a.Retriever, a.Feedback, a.Store, opts...)
	if err != nil {
		log.Fatalf("failed to create MCP server: %v", err)
	}

	log.Println("ready, serving JSON-RPC 2.0 on stdin/stdout")
	if err := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout).Serve(ctx); err != nil {
		log.Printf("transport stopped: %v", err)
	}
}
