package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/watcher"
)

// OnConnectivityChanged reacts to connectivity edges. Repeated calls with
// the same state are ignored.
//
// Going online arms a single debounce timer; when it fires and we are
// still online, a reload is queued that pushes pending changes, resumes
// watching and tells the listener. Going offline disarms the timer and
// stops the watcher.
func (e *Engine) OnConnectivityChanged(online bool) {
	e.mu.Lock()
	if e.closed || e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	if online {
		if e.debounce == nil {
			e.debounceGen++
			gen := e.debounceGen
			e.debounce = time.AfterFunc(e.config.Debounce, func() { e.debounceFired(gen) })
		}
	} else {
		e.stopDebounceLocked()
	}
	e.mu.Unlock()

	e.logger.Info("connectivity changed", zap.Bool("online", online))
	metrics.SetOnline(online)
	if !online {
		e.watcher.Stop()
	}
	e.notifyConnectivity(online)
}

// stopDebounceLocked disarms the timer and invalidates a recheck that may
// already be queued. Caller holds e.mu.
func (e *Engine) stopDebounceLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.debounceGen++
}

func (e *Engine) debounceFired(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.debounceGen {
		e.mu.Unlock()
		return
	}
	e.debounce = nil
	e.mu.Unlock()

	err := e.submit("reconnect", func() {
		e.mu.Lock()
		stale := gen != e.debounceGen
		e.mu.Unlock()
		if stale || !e.monitor.IsOnline() {
			e.logger.Debug("skipping reconnect reload, connection dropped again")
			return
		}
		e.reloadOnWorker("reconnect")
	})
	if err != nil {
		e.logger.Debug("reconnect reload not queued", zap.Error(err))
	}
}

// OnRemoteChangeDetected queues a reload of the watched file. The watcher
// calls it; it is exported for callers that learn about changes some
// other way, such as a push notification.
func (e *Engine) OnRemoteChangeDetected() {
	if err := e.submit("remote_change", func() { e.reloadOnWorker("remote_change") }); err != nil {
		e.logger.Debug("remote change reload not queued", zap.Error(err))
	}
}

// reloadOnWorker loads the current path and tells the listener. Worker only.
func (e *Engine) reloadOnWorker(op string) {
	p := e.currentPath()
	if p == "" {
		return
	}
	if err := e.authorized(); err != nil {
		return
	}
	res, err := e.loadOnWorker(p)
	if err != nil {
		e.notifyError(op, err)
		return
	}
	if res.Notice != nil {
		e.notifyError(op, res.Notice)
	}
	if !res.FromCache {
		e.notifyFileChanged("")
	}
}

// startWatching points the watcher at p unless watching is paused, we are
// offline or unlinked. Worker only.
func (e *Engine) startWatching(p string) {
	e.mu.Lock()
	skip := e.paused || e.unlinked || e.closed
	e.mu.Unlock()
	if skip || !e.monitor.IsOnline() {
		return
	}

	if e.watcher.Running() {
		if watcher.SamePath(e.watcher.Path(), p) {
			return
		}
		e.watcher.Stop()
	}
	if err := e.watcher.Start(e.ctx, p); err != nil {
		e.logger.Warn("failed to start watching", zap.String("path", p), zap.Error(err))
	}
}

// onUnlinked handles credentials rejected by the remote. It is called from
// the watcher goroutine or the worker.
func (e *Engine) onUnlinked(err error) {
	e.mu.Lock()
	already := e.unlinked
	e.unlinked = true
	e.mu.Unlock()

	e.watcher.Stop()
	if already {
		return
	}
	e.logger.Error("remote rejected our credentials, log in again", zap.Error(err))
	metrics.RecordSyncOp("auth", "unlinked")
	e.notifyError("auth", ErrUnlinked)
}

// Pause stops watching, e.g. while the caller is in the background.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.watcher.Stop()
}

// Resume undoes Pause and resumes watching the current path.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	p := e.path
	e.mu.Unlock()

	if p == "" || !e.monitor.IsOnline() {
		return
	}
	if err := e.submit("resume", func() { e.startWatching(p) }); err != nil {
		e.logger.Debug("resume not queued", zap.Error(err))
	}
}

// Login stores token through the auth provider and clears the unlinked
// state.
func (e *Engine) Login(ctx context.Context, token string) error {
	if err := e.auth.StartLogin(ctx, token); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	e.mu.Lock()
	e.unlinked = false
	e.mu.Unlock()
	return nil
}

// Logout stops watching, forgets the cursor, clears the cache and the
// credentials. Pending changes are discarded.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	e.stopDebounceLocked()
	e.path = ""
	e.mu.Unlock()

	e.watcher.Stop()
	e.watcher.ClearCursor()

	if err := e.do(ctx, "logout", e.cache.Clear); err != nil {
		return err
	}
	metrics.SetPendingChanges(false)

	if err := e.auth.Logout(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	e.mu.Lock()
	e.unlinked = false
	e.mu.Unlock()
	e.logger.Info("logged out")
	return nil
}
