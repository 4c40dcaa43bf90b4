// Package notify relays extraction run events between mnemo processes
// through a shared events directory, so a mnemo-server can stream runs
// started by mnemo-extract or mnemo-mcp to its websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/scrypster/mnemo/internal/engine"
)

const eventExt = ".event"

// relayed lists the event types worth sending to another process. Chunk
// level progress stays local.
var relayed = map[engine.EventType]bool{
	engine.EventRunStarted:   true,
	engine.EventRunCompleted: true,
	engine.EventRunFailed:    true,
}

// EventWriter writes event files to {dataPath}/events/.
type EventWriter struct {
	dir string
	now func() time.Time
}

// NewEventWriter creates a writer for {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events"), now: time.Now}
}

// Write stores e as one event file. The file appears atomically so a
// watcher never reads a partial payload. Safe to call concurrently.
func (w *EventWriter) Write(e engine.Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if e.Time.IsZero() {
		e.Time = w.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("notify: create event file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: write event file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: close event file: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s%s", e.Time.UnixNano(), sanitizeID(e.RunID), e.Type, eventExt)
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: publish event file: %w", err)
	}
	return nil
}

// Forward writes every run-level event published on bus until ctx is
// cancelled or the bus closes. The returned channel closes when
// forwarding has stopped.
func Forward(ctx context.Context, bus *engine.EventBus, w *EventWriter) <-chan struct{} {
	events, unsubscribe := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if !relayed[e.Type] {
					continue
				}
				if err := w.Write(e); err != nil {
					log.Printf("notify: WARNING: %v", err)
				}
			}
		}
	}()
	return done
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := []byte(id)
	for i, c := range out {
		if c == '/' || c == ':' || c == '\\' || c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
