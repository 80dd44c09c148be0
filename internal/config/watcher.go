package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher re-checks the config file.
const defaultPollInterval = 5 * time.Second

// fileState captures one observed version of the config file.
type fileState struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls the config file and reports content changes to a callback.
// Polling keeps the dependency surface flat; an edit shows up within one
// interval, which is plenty for a server config. A file that fails to parse
// or validate is ignored and the previous good config stays in effect, so a
// half-saved edit never takes down a running server.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, cur *Config)

	mu    sync.Mutex
	state fileState

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in the
// background. onChange, when non-nil, runs outside the watcher's lock with
// the previous and the freshly loaded config whenever the file's content
// changes and still validates.
func NewWatcher(path string, onChange func(old, cur *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	w.state = st

	go w.loop()
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) loop() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-tick.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	// mtime gate: skip hashing while the file is untouched.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.state.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	st, err := w.read()
	if err != nil {
		slog.Warn("config edit rejected, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	old := w.state.cfg
	touchedOnly := st.sum == w.state.sum
	w.state.mtime = st.mtime
	if !touchedOnly {
		w.state = st
	}
	w.mu.Unlock()

	if touchedOnly {
		return
	}
	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, st.cfg)
	}
}

// read loads, parses and validates the file at w.path.
func (w *Watcher) read() (fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}
	return fileState{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
