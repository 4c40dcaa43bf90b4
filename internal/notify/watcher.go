package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/mnemo/internal/engine"
)

// EventWatcher consumes the event files other processes leave in the
// events directory and hands each decoded event to handle, oldest first.
// Every consumed file is removed, whether or not it decoded.
type EventWatcher struct {
	dir    string
	handle func(engine.Event)

	fsw  *fsnotify.Watcher
	done chan struct{}
	mu   sync.Mutex // one consume pass at a time
}

// NewEventWatcher creates a watcher for {dataPath}/events/.
func NewEventWatcher(dataPath string, handle func(engine.Event)) *EventWatcher {
	return &EventWatcher{
		dir:    filepath.Join(dataPath, "events"),
		handle: handle,
		done:   make(chan struct{}),
	}
}

// Relay returns a watcher that republishes relayed events on bus.
func Relay(dataPath string, bus *engine.EventBus) *EventWatcher {
	return NewEventWatcher(dataPath, bus.Publish)
}

// Start subscribes to the directory, then consumes whatever is already
// waiting in it. Subscribing first means a file written in between is seen
// by one of the two. Call Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", ew.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: create watcher: %w", err)
	}
	if err := fsw.Add(ew.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("notify: watch %s: %w", ew.dir, err)
	}
	ew.fsw = fsw

	ew.consume()
	go ew.run()
	log.Printf("notify: relaying run events from %s", ew.dir)
	return nil
}

// Stop shuts down the watcher. It is a no-op if Start failed.
func (ew *EventWatcher) Stop() {
	if ew.fsw == nil {
		return
	}
	_ = ew.fsw.Close()
	<-ew.done
}

// run turns directory notifications into consume passes. A writer's rename
// shows up as Create; the watcher's own removals are ignored.
func (ew *EventWatcher) run() {
	defer close(ew.done)
	for {
		select {
		case op, ok := <-ew.fsw.Events:
			if !ok {
				return
			}
			if op.Has(fsnotify.Create) && isEventFile(op.Name) {
				ew.consume()
			}
		case err, ok := <-ew.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("notify: WARNING: watcher error: %v", err)
		}
	}
}

// consume handles every event file in the directory in name order. Names
// start with the event's nanosecond timestamp, so that is write order.
func (ew *EventWatcher) consume() {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		log.Printf("notify: WARNING: read %s: %v", ew.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isEventFile(entry.Name()) {
			continue
		}
		e, err := take(filepath.Join(ew.dir, entry.Name()))
		if err != nil {
			log.Printf("notify: WARNING: dropping %s: %v", entry.Name(), err)
			continue
		}
		if e.Type != "" && ew.handle != nil {
			ew.handle(e)
		}
	}
}

// take reads and removes one event file. A file that vanished was consumed
// by another pass and yields a zero event without error.
func take(path string) (engine.Event, error) {
	var e engine.Event
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return e, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode: %w", err)
	}
	return e, nil
}

// isEventFile reports whether name is a published event file. Files still
// being written carry a hidden ".pending-" name.
func isEventFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, eventExt) && !strings.HasPrefix(base, ".")
}
