package transcript

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the source roots and calls trigger, debounced, whenever a
// matching transcript is created or written.
type Watcher struct {
	source   *Source
	debounce time.Duration
	trigger  func()

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher. A debounce of zero defaults to two seconds.
func NewWatcher(source *Source, debounce time.Duration, trigger func()) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		source:   source,
		debounce: debounce,
		trigger:  trigger,
		done:     make(chan struct{}),
	}
}

// Start adds every directory below the roots and begins watching. Call
// Stop to clean up.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	for _, root := range w.source.Roots() {
		if _, err := os.Stat(root); err != nil {
			log.Printf("transcript: WARNING: not watching %s: %v", root, err)
			continue
		}
		w.addTree(root)
	}

	go w.loop()
	log.Printf("transcript: watching %d root(s) for new transcript data", len(w.source.Roots()))
	return nil
}

// Stop shuts down the watcher and cancels a pending trigger.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				log.Printf("transcript: failed to watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					w.addTree(evt.Name)
					continue
				}
			}
			if (evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write)) && w.source.Matches(evt.Name) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("transcript: watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.trigger)
}
