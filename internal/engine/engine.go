// Package engine keeps a local copy of a remote todo.txt file in sync with
// the remote store.
//
// The Engine is the only component callers talk to. It owns the local
// cache, the operation queue and the change watcher:
//
//	caller ──Load/Save/Append──▶ Engine ──Submit──▶ Queue worker ──▶ remote.Store
//	                               ▲                     │
//	connectivity edges ────────────┤                     └──▶ LocalCache
//	watcher OnChange  ─────────────┘
//
// Every remote call and every cache mutation runs on the queue worker, so
// at most one of them is in flight at any time. Offline, reads are served
// straight from the cache and writes are kept there with the pending flag
// set until the next online Load pushes them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/cache"
	"github.com/todosync/todosync/internal/connectivity"
	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/queue"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/watcher"
)

// DefaultDebounce is how long the connection must stay up after an
// Offline→Online edge before the engine reloads.
const DefaultDebounce = 5 * time.Second

// Cache is the subset of *cache.LocalCache the engine uses.
type Cache interface {
	Load() cache.Record
	Save(path, revision, contents string)
	SetPendingChanges(pending bool)
	HasPendingChanges() bool
	Revision() string
	Clear()
}

// AuthProvider answers whether credentials are configured.
type AuthProvider interface {
	IsAuthenticated() bool
	StartLogin(ctx context.Context, token string) error
	Logout() error
}

// BackupSink receives a copy of the contents after every successful load
// and before every save. Failures stay inside the sink.
type BackupSink interface {
	Backup(path, contents string)
}

// Listener is told that fresh content is available. newPath is empty
// unless the file moved, e.g. after a conflict rename.
type Listener interface {
	OnFileChanged(newPath string)
}

// PendingListener is optionally implemented by a Listener to follow the
// pending-changes flag.
type PendingListener interface {
	OnPendingChanges(pending bool)
}

// ConnectivityListener is optionally implemented by a Listener to follow
// connectivity edges.
type ConnectivityListener interface {
	OnConnectivity(online bool)
}

// ErrorListener is optionally implemented by a Listener to receive the
// outcome of background work that has no caller to return to.
type ErrorListener interface {
	OnSyncError(op string, err error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(newPath string)

// OnFileChanged calls f.
func (f ListenerFunc) OnFileChanged(newPath string) { f(newPath) }

// Deps are the collaborators of an Engine.
type Deps struct {
	Store    remote.Store
	Cache    Cache
	Monitor  connectivity.Monitor
	Auth     AuthProvider
	Backup   BackupSink // optional
	Listener Listener   // optional
}

// Config tunes the engine.
type Config struct {
	// EOL terminates every serialized line (default: "\n").
	EOL string

	// Debounce before reloading after reconnecting (default: 5s).
	Debounce time.Duration

	// Watcher timings; nil means production defaults.
	Watcher *watcher.Config

	// Logger (default: no-op).
	Logger *zap.Logger
}

// Result is what Load returns.
type Result struct {
	Tasks    []todotxt.Task
	Path     string
	Revision string

	// FromCache is set when the remote was not read, either because we
	// are offline or because the read failed.
	FromCache bool

	// Offline is set when the remote was not contacted at all.
	Offline bool

	// Pending reports unpushed local changes after the load.
	Pending bool

	// Notice is a non-fatal condition worth showing, such as a
	// *RemoteError that caused the cache fallback or a
	// *ConflictRenamedError from pushing pending changes.
	Notice error
}

// Status is a snapshot of engine state for display.
type Status struct {
	Online        bool
	Authenticated bool
	Unlinked      bool
	Paused        bool
	Loading       bool
	// File is the path the engine works on; it moves to the new name
	// after a conflict rename. Path is the file the cache holds.
	File          string
	Path          string
	Revision      string
	Pending       bool
	Watcher       watcher.State
	Backoff       time.Duration
	QueueDepth    int
}

// Engine coordinates the cache, the queue, the watcher and the store.
type Engine struct {
	store    remote.Store
	cache    Cache
	monitor  connectivity.Monitor
	auth     AuthProvider
	backup   BackupSink
	listener Listener

	queue   *queue.Queue
	events  *queue.Queue
	watcher *watcher.Watcher
	config  Config
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	loading atomic.Int32

	mu          sync.Mutex
	online      bool
	paused      bool
	unlinked    bool
	closed      bool
	path        string
	debounce    *time.Timer
	debounceGen uint64
}

// New creates an engine. It does not touch the network.
func New(deps Deps, config *Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("local cache cannot be nil")
	}
	if deps.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}

	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.EOL == "" {
		cfg.EOL = "\n"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    deps.Store,
		cache:    deps.Cache,
		monitor:  deps.Monitor,
		auth:     deps.Auth,
		backup:   deps.Backup,
		listener: deps.Listener,
		queue:    queue.New(cfg.Logger),
		events:   queue.New(cfg.Logger.Named("events")),
		config:   cfg,
		logger:   cfg.Logger.Named("engine"),
		ctx:      ctx,
		cancel:   cancel,
		online:   deps.Monitor.IsOnline(),
		path:     deps.Cache.Load().Path,
	}

	wcfg := watcher.DefaultConfig()
	if cfg.Watcher != nil {
		c := *cfg.Watcher
		wcfg = &c
	}
	if wcfg.Logger == nil {
		wcfg.Logger = cfg.Logger
	}
	w, err := watcher.New(deps.Store, watcher.Hooks{
		Revision:   deps.Cache.Revision,
		OnChange:   e.OnRemoteChangeDetected,
		OnUnlinked: e.onUnlinked,
	}, wcfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	e.watcher = w

	metrics.SetOnline(e.online)
	metrics.SetPendingChanges(deps.Cache.HasPendingChanges())
	return e, nil
}

// SetListener replaces the listener. Safe to call before the first Load.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	rec := e.cache.Load()
	e.mu.Lock()
	paused, unlinked := e.paused, e.unlinked
	e.mu.Unlock()

	return Status{
		Online:        e.monitor.IsOnline(),
		Authenticated: e.auth.IsAuthenticated() && !unlinked,
		Unlinked:      unlinked,
		Paused:        paused,
		Loading:       e.IsLoading(),
		File:          e.currentPath(),
		Path:          rec.Path,
		Revision:      rec.Revision,
		Pending:       rec.PendingChanges,
		Watcher:       e.watcher.State(),
		Backoff:       e.watcher.Backoff(),
		QueueDepth:    e.queue.Len(),
	}
}

// Cached returns the cached copy without contacting the remote. Listeners
// use it to show what a reload just stored.
func (e *Engine) Cached() *Result {
	res := e.cachedResult(nil)
	res.Offline = !e.monitor.IsOnline()
	return res
}

// IsLoading reports whether a load is running on the worker.
func (e *Engine) IsLoading() bool {
	return e.loading.Load() > 0
}

// Flush waits until all queued work and the listener notifications it
// produced have run.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.queue.Wait(ctx); err != nil {
		return err
	}
	return e.events.Wait(ctx)
}

// Close stops the watcher and the debounce timer, drains the queue and
// releases the engine. Calls after Close return ErrClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopDebounceLocked()
	e.mu.Unlock()

	e.watcher.Stop()
	err := e.queue.Close(ctx)
	if evErr := e.events.Close(ctx); err == nil {
		err = evErr
	}
	e.cancel()
	if werr := e.watcher.Wait(ctx); err == nil {
		err = werr
	}
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// authorized checks credentials at a decision point.
func (e *Engine) authorized() error {
	e.mu.Lock()
	unlinked := e.unlinked
	e.mu.Unlock()
	if unlinked {
		return ErrUnlinked
	}
	if !e.auth.IsAuthenticated() {
		return ErrAuthRequired
	}
	return nil
}

func (e *Engine) setPath(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.path = p
}

func (e *Engine) currentPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

func (e *Engine) currentListener() Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// notify delivers listener callbacks on the events queue so a listener may
// call back into the engine without blocking the worker.
func (e *Engine) notify(name string, fn func(l Listener)) {
	l := e.currentListener()
	if l == nil {
		return
	}
	if err := e.events.Submit(name, func() { fn(l) }); err != nil {
		e.logger.Debug("dropping notification", zap.String("event", name), zap.Error(err))
	}
}

func (e *Engine) notifyFileChanged(newPath string) {
	e.notify("file_changed", func(l Listener) { l.OnFileChanged(newPath) })
}

func (e *Engine) notifyPending(pending bool) {
	metrics.SetPendingChanges(pending)
	e.notify("pending_changes", func(l Listener) {
		if pl, ok := l.(PendingListener); ok {
			pl.OnPendingChanges(pending)
		}
	})
}

func (e *Engine) notifyError(op string, err error) {
	e.notify("sync_error", func(l Listener) {
		if el, ok := l.(ErrorListener); ok {
			el.OnSyncError(op, err)
		}
	})
}

func (e *Engine) notifyConnectivity(online bool) {
	e.notify("connectivity", func(l Listener) {
		if cl, ok := l.(ConnectivityListener); ok {
			cl.OnConnectivity(online)
		}
	})
}

func (e *Engine) doBackup(p, contents string) {
	if e.backup == nil {
		return
	}
	e.backup.Backup(p, contents)
}
