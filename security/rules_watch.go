package security

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultRulesDebounce coalesces the burst of events an editor save produces.
const DefaultRulesDebounce = 500 * time.Millisecond

// RuleWatcher reloads a YAML rule file into a Matcher whenever it changes.
// A file that fails to load or compile is logged and the live table stays.
type RuleWatcher struct {
	path     string
	base     RuleTable
	matcher  *Matcher
	logger   *slog.Logger
	debounce time.Duration
	onReload func(gen uint64, err error)

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	running  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewRuleWatcher creates a watcher applying path on top of base.
func NewRuleWatcher(path string, base RuleTable, m *Matcher, logger *slog.Logger) *RuleWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleWatcher{
		path:     filepath.Clean(path),
		base:     base.Clone(),
		matcher:  m,
		logger:   logger,
		debounce: DefaultRulesDebounce,
		done:     make(chan struct{}),
	}
}

// SetDebounce changes the debounce period. Call before Start.
func (w *RuleWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.debounce = d
	}
}

// OnReload registers a callback run after every reload attempt.
func (w *RuleWatcher) OnReload(fn func(gen uint64, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Reload loads the file and swaps it into the matcher now.
func (w *RuleWatcher) Reload() error {
	err := w.reload()

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(w.matcher.Generation(), err)
	}
	return err
}

func (w *RuleWatcher) reload() error {
	rf, err := LoadRules(w.path)
	if err != nil {
		w.logger.Error("Rule reload failed, keeping current rules", "path", w.path, "error", err)
		return err
	}
	if err := w.matcher.Replace(rf.Table(w.base)); err != nil {
		w.logger.Error("Rule compile failed, keeping current rules", "path", w.path, "error", err)
		return err
	}
	w.logger.Info("Threat signature rules reloaded",
		"path", w.path,
		"generation", w.matcher.Generation(),
		"patterns", w.matcher.PatternCount())
	return nil
}

// Start watches the file's directory until ctx is done or Stop is called.
// Watching the directory catches editors that save by renaming a temp file.
func (w *RuleWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("rule watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	w.running = true

	go w.loop(ctx)

	w.logger.Info("Rule watcher started", "path", w.path)
	return nil
}

func (w *RuleWatcher) loop(ctx context.Context) {
	defer w.Stop()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Rule watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

func (w *RuleWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Reload()
	})
}

// Stop stops watching. Safe to call multiple times.
func (w *RuleWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.running = false
	})
}
