// Package watcher detects remote changes to the todo file.
//
// A Watcher holds a change cursor and runs a long-poll loop on its own
// goroutine:
//
//	Stopped --Start--> Polling --changed--> list changes, maybe notify --> Polling
//	                      |  \--error------> Backoff --sleep--> Polling
//	                      \--auth error / Stop--> Stopped
//
// The loop is self-rescheduling: each iteration computes the delay before
// the next one from the outcome of the last. It never writes the local
// cache; it reads the cached revision through a callback to tell echoes
// of our own writes apart from real remote edits.
package watcher

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/remote"
)

// State is the watcher's lifecycle state.
type State int

const (
	// StateStopped means no loop is running.
	StateStopped State = iota
	// StatePolling means a long poll is in flight or about to start.
	StatePolling
	// StateBackoff means the loop is sleeping before its next poll.
	StateBackoff
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Config tunes the poll loop.
type Config struct {
	// PollTimeout is passed to every LongPoll call (default: 120s).
	PollTimeout time.Duration

	// FastTimeout is the elapsed time under which a timeout is considered
	// premature (default: 30s).
	FastTimeout time.Duration

	// FastTimeoutBackoff is the delay after a premature timeout (default: 60s).
	FastTimeoutBackoff time.Duration

	// ErrorBackoff is the delay after any other failure (default: 30s).
	// It is fixed: consecutive failures do not grow it.
	ErrorBackoff time.Duration

	// Logger for watcher activity (default: no-op).
	Logger *zap.Logger

	// Sleep waits for d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// DefaultConfig returns the production timings.
func DefaultConfig() *Config {
	return &Config{
		PollTimeout:        remote.DefaultLongPollTimeout,
		FastTimeout:        30 * time.Second,
		FastTimeoutBackoff: 60 * time.Second,
		ErrorBackoff:       30 * time.Second,
		Logger:             zap.NewNop(),
		Sleep:              sleepContext,
		Now:                time.Now,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PollTimeout <= 0 {
		out.PollTimeout = d.PollTimeout
	}
	if out.FastTimeout <= 0 {
		out.FastTimeout = d.FastTimeout
	}
	if out.FastTimeoutBackoff <= 0 {
		out.FastTimeoutBackoff = d.FastTimeoutBackoff
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = d.ErrorBackoff
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	if out.Sleep == nil {
		out.Sleep = d.Sleep
	}
	if out.Now == nil {
		out.Now = d.Now
	}
	return &out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hooks connect the watcher to its owner.
type Hooks struct {
	// Revision returns the locally cached revision of the watched file.
	Revision func() string

	// OnChange is called from the loop goroutine when the watched file
	// changed remotely. At most once per change batch.
	OnChange func()

	// OnUnlinked is called when the store rejected our credentials and
	// the loop stopped for good. Optional.
	OnUnlinked func(err error)
}

// Watcher runs the long-poll loop for one path at a time.
type Watcher struct {
	store  remote.Store
	hooks  Hooks
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	path    string
	cursor  remote.Cursor
	backoff time.Duration
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped watcher.
func New(store remote.Store, hooks Hooks, config *Config) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if hooks.Revision == nil || hooks.OnChange == nil {
		return nil, fmt.Errorf("revision and change hooks are required")
	}
	cfg := config.withDefaults()
	return &Watcher{
		store:  store,
		hooks:  hooks,
		config: cfg,
		logger: cfg.Logger.Named("watcher"),
	}, nil
}

// Start begins watching p. It fetches a fresh cursor and spawns the loop.
// Start is a no-op while a loop is already running.
func (w *Watcher) Start(ctx context.Context, p string) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.gen++
	gen := w.gen
	w.state = StatePolling
	w.path = p
	w.backoff = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	cursor, err := w.store.LatestCursor(ctx)
	if err != nil {
		w.mu.Lock()
		if w.gen == gen {
			w.state = StateStopped
			w.cancel = nil
		}
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to get latest cursor: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		// Stopped while fetching the cursor.
		cancel()
		return nil
	}
	w.cursor = cursor
	w.done = make(chan struct{})
	go w.loop(loopCtx, gen, p, cursor, w.done)

	w.logger.Info("watching for remote changes", zap.String("path", p))
	return nil
}

// Stop ends the loop. It does not wait: an in-flight poll may still
// complete, but its result is discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateStopped {
		return
	}
	w.gen++
	w.state = StateStopped
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	metrics.SetWatcherBackoff(0)
	w.logger.Info("stopped watching", zap.String("path", w.path))
}

// Wait blocks until the most recent loop goroutine has exited.
func (w *Watcher) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Running reports whether a loop is active.
func (w *Watcher) Running() bool {
	return w.State() != StateStopped
}

// Path returns the watched path.
func (w *Watcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Cursor returns the current change cursor.
func (w *Watcher) Cursor() remote.Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Backoff returns the delay computed by the latest loop iteration.
func (w *Watcher) Backoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff
}

// ClearCursor forgets the cursor. Used on logout after Stop.
func (w *Watcher) ClearCursor() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = ""
}

// current reports whether gen is still the live run.
func (w *Watcher) current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen == gen
}

// update stores loop progress if gen is still live.
func (w *Watcher) update(gen uint64, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return false
	}
	fn()
	return true
}

func (w *Watcher) loop(ctx context.Context, gen uint64, p string, cursor remote.Cursor, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		if !w.current(gen) {
			return
		}

		if backoff > 0 {
			if !w.update(gen, func() { w.state = StateBackoff }) {
				return
			}
			if err := w.config.Sleep(ctx, backoff); err != nil {
				return
			}
			if !w.update(gen, func() { w.state = StatePolling }) {
				return
			}
		}

		start := w.config.Now()
		res, err := w.store.LongPoll(ctx, cursor, w.config.PollTimeout)
		if !w.current(gen) {
			w.logger.Debug("discarding long-poll result after stop")
			return
		}

		if err != nil {
			next, stop := Classify(err, w.config.Now().Sub(start), w.config)
			if stop {
				w.unlinked(gen, err)
				return
			}
			backoff = w.setBackoff(gen, next, err)
			continue
		}

		if !res.Changed {
			metrics.RecordLongPoll("idle")
			backoff = w.setBackoff(gen, res.Backoff, nil)
			continue
		}

		listStart := w.config.Now()
		next, changes, err := w.store.ListChangesSince(ctx, cursor)
		if !w.current(gen) {
			return
		}
		if err != nil {
			delay, stop := Classify(err, w.config.Now().Sub(listStart), w.config)
			if stop {
				w.unlinked(gen, err)
				return
			}
			backoff = w.setBackoff(gen, delay, err)
			continue
		}

		cursor = next
		if !w.update(gen, func() { w.cursor = next }) {
			return
		}
		backoff = w.setBackoff(gen, res.Backoff, nil)

		if w.relevant(p, changes) {
			metrics.RecordLongPoll("changed")
			w.logger.Info("remote change detected", zap.String("path", p))
			w.hooks.OnChange()
		} else {
			metrics.RecordLongPoll("echo")
		}
	}
}

func (w *Watcher) setBackoff(gen uint64, d time.Duration, cause error) time.Duration {
	if d < 0 {
		d = 0
	}
	w.update(gen, func() { w.backoff = d })
	metrics.SetWatcherBackoff(d)
	if cause != nil {
		kind, _ := remote.KindOf(cause)
		metrics.RecordLongPoll(kind.String())
		w.logger.Warn("long poll failed, backing off",
			zap.Error(cause),
			zap.Duration("backoff", d),
		)
	}
	return d
}

func (w *Watcher) unlinked(gen uint64, err error) {
	stopped := w.update(gen, func() {
		w.gen++
		w.state = StateStopped
		if w.cancel != nil {
			w.cancel()
			w.cancel = nil
		}
	})
	if !stopped {
		return
	}
	metrics.RecordLongPoll("auth")
	w.logger.Error("remote rejected credentials, watcher stopped", zap.Error(err))
	if w.hooks.OnUnlinked != nil {
		w.hooks.OnUnlinked(err)
	}
}

// relevant reports whether any change touches p and is not an echo of a
// revision we already hold.
func (w *Watcher) relevant(p string, changes []remote.Change) bool {
	var cached string
	loaded := false
	for _, c := range changes {
		if !SamePath(c.Path, p) {
			continue
		}
		if c.Deleted {
			return true
		}
		if !loaded {
			cached = w.hooks.Revision()
			loaded = true
		}
		if c.Revision != cached {
			return true
		}
	}
	return false
}

// SamePath compares two remote paths case-insensitively, ignoring a
// missing leading slash and redundant separators.
func SamePath(a, b string) bool {
	return strings.EqualFold(path.Clean("/"+a), path.Clean("/"+b))
}

// Classify maps a failed poll to the delay before the next one. stop is
// true when the error is unrecoverable and the loop must end.
func Classify(err error, elapsed time.Duration, cfg *Config) (delay time.Duration, stop bool) {
	cfg = cfg.withDefaults()
	kind, _ := remote.KindOf(err)
	switch kind {
	case remote.KindAuth:
		return 0, true
	case remote.KindTimeout:
		if elapsed < cfg.FastTimeout {
			return cfg.FastTimeoutBackoff, false
		}
		return cfg.ErrorBackoff, false
	default:
		return cfg.ErrorBackoff, false
	}
}
