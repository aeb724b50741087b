// Package signals turns files dropped into the run's signals directory
// into control calls on the orchestrator.
package signals

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names recognized under <stateDir>/signals.
const (
	SignalAbort  = "abort"
	SignalPause  = "pause"
	SignalResume = "resume"
)

// defaultPollInterval drives the fallback scan when no fsnotify watcher
// could be started.
const defaultPollInterval = 500 * time.Millisecond

// Controller is the control surface a Watcher drives. The orchestrator
// satisfies it.
type Controller interface {
	Stop()
	Pause()
	Resume()
}

// Watcher reacts to signal files: abort stops the run, pause holds
// dispatch, resume releases it. A handled file is removed so the next
// drop of the same name reads as a fresh signal. If the filesystem
// watcher cannot be started the Watcher degrades to polling.
type Watcher struct {
	signalsDir string
	target     Controller

	watcher      *fsnotify.Watcher
	pollInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a watcher over <stateDir>/signals and starts delivering
// signals to target. Signal files left over from a previous run are
// removed so the new run starts clean.
func New(stateDir string, target Controller) (*Watcher, error) {
	signalsDir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		signalsDir:   signalsDir,
		target:       target,
		pollInterval: defaultPollInterval,
		done:         make(chan struct{}),
	}

	// Stale signals belong to whichever run they were aimed at.
	for _, name := range []string{SignalAbort, SignalPause, SignalResume} {
		os.Remove(filepath.Join(signalsDir, name))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - will use polling fallback
		go w.poll()
		return w, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		go w.poll()
		return w, nil
	}
	w.watcher = watcher

	go w.watch()

	return w, nil
}

// Dir returns the directory this watcher observes.
func (w *Watcher) Dir() string {
	return w.signalsDir
}

// watch consumes fsnotify events until Close.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				w.handle(filepath.Base(event.Name))
			}
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// poll is the fallback loop when no fsnotify watcher is available.
func (w *Watcher) poll() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			for _, name := range []string{SignalAbort, SignalPause, SignalResume} {
				w.handle(name)
			}
		}
	}
}

// handle consumes the named signal file and applies it. Removing the
// file doubles as the claim: if it is already gone another delivery
// (a second fsnotify event, or the poll loop) got there first.
func (w *Watcher) handle(name string) {
	switch name {
	case SignalAbort, SignalPause, SignalResume:
	default:
		return
	}
	if err := os.Remove(filepath.Join(w.signalsDir, name)); err != nil && os.IsNotExist(err) {
		return
	}
	switch name {
	case SignalAbort:
		w.target.Stop()
	case SignalPause:
		w.target.Pause()
	case SignalResume:
		w.target.Resume()
	}
}

// Close stops signal delivery.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// Send drops a signal file for a watcher observing the same state
// directory. The file body is a timestamp for inspection only; the
// name carries the meaning.
func Send(stateDir, name string) error {
	dir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}
