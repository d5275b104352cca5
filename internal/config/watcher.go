// Package config - watcher.go provides config file hot-reload support.
//
// The watcher polls the config file for changes (stat-based, every 5
// seconds) and notifies registered callbacks when a *non-safety-critical*
// field changes. Risk, Q-learning, edgecheck, idempotency TTL, and
// active-broker selection are never reloadable — they require a process
// restart. Only LogLevel, CheckpointEveryNEvents, and the whole capital
// section are live-reloadable.
package config

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Reloadable is the subset of Config a running session may pick up
// without restarting.
type Reloadable struct {
	LogLevel               string
	CheckpointEveryNEvents int
	Capital                CapitalConfig
}

func reloadableOf(c *Config) Reloadable {
	return Reloadable{LogLevel: c.LogLevel, CheckpointEveryNEvents: c.CheckpointEveryNEvents, Capital: c.Capital}
}

// Watcher monitors the config file for changes and invokes callbacks
// when reloadable fields change.
type Watcher struct {
	path     string
	logger   *log.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new Reloadable)
	done     chan struct{}
	stopped  bool
}

// NewWatcher creates a watcher for path. initial is the currently loaded
// config. The watcher does not start polling until Start is called.
func NewWatcher(path string, initial *Config, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Watcher{path: path, logger: logger, current: initial, done: make(chan struct{})}
}

// OnChange registers a callback invoked when a reloadable field changes
// and the new file parses and validates successfully.
func (w *Watcher) OnChange(fn func(old, new Reloadable)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling in a background goroutine.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.logger.Printf("[config-watcher] watching %s (poll interval: 5s, reloadable fields only)", w.path)
	go w.pollLoop()
	return nil
}

// Stop stops polling. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
}

// Current returns the most recently loaded full config, including the
// non-reloadable fields frozen at session start.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] stat error: %v", err)
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] read error: %v", err)
		return
	}
	var newCfg Config
	if err := json.Unmarshal(data, &newCfg); err != nil {
		w.logger.Printf("[config-watcher] parse error (keeping old config): %v", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		w.logger.Printf("[config-watcher] validation error (keeping old config): %v", err)
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	oldR, newR := reloadableOf(oldCfg), reloadableOf(&newCfg)
	if oldR == newR {
		w.logger.Printf("[config-watcher] file changed but no reloadable field differs, skipping")
		return
	}
	if nonReloadableChanged(oldCfg, &newCfg) {
		w.logger.Printf("[config-watcher] file changed safety-critical fields (risk/qlearn/broker/idempotency) — restart required, reloadable fields applied only")
	}

	// Carry the new full config forward so non-reloadable fields stay
	// frozen at their original values, while reloadable ones update.
	merged := *oldCfg
	merged.LogLevel = newCfg.LogLevel
	merged.CheckpointEveryNEvents = newCfg.CheckpointEveryNEvents
	merged.Capital = newCfg.Capital

	w.mu.Lock()
	w.current = &merged
	callbacks := make([]func(old, new Reloadable), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldR, newR)
	}
}

// nonReloadableChanged reports whether any safety-critical section
// differs, purely so the watcher can log a loud warning that those
// changes were ignored.
func nonReloadableChanged(old, new *Config) bool {
	return old.Risk != new.Risk || old.QLearn != new.QLearn || old.Edgecheck != new.Edgecheck ||
		old.ActiveBroker != new.ActiveBroker || old.IdempotencyTTLSeconds != new.IdempotencyTTLSeconds
}
