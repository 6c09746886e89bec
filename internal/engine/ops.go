package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/cache"
	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/queue"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/watcher"
)

// Load returns the tasks of p.
//
// Offline it returns the cache without touching the network. Online it
// runs on the queue: pending local changes of p are pushed first and
// returned as is; pending changes of another file are pushed to that file
// and p is then fetched. Otherwise the remote file is fetched (and created
// empty if it does not exist) and cached. A failed remote read falls back
// to the cache, when the cache holds p, and reports the failure in
// Result.Notice.
func (e *Engine) Load(ctx context.Context, p string) (*Result, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if p == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := e.authorized(); err != nil {
		return nil, err
	}
	e.setPath(p)

	if !e.monitor.IsOnline() {
		metrics.RecordSyncOp("load", "offline")
		res := e.cachedResult(nil)
		res.Offline = true
		return res, nil
	}

	var (
		res *Result
		err error
	)
	if qerr := e.do(ctx, "load", func() { res, err = e.loadOnWorker(p) }); qerr != nil {
		return nil, qerr
	}
	return res, err
}

// Save serializes tasks and writes them to p.
//
// A backup is taken first. Offline (or logged out) the contents go to the
// cache with the pending flag set and ErrOffline (or the auth error) is
// returned once the cache holds them. Online the write is queued and Save
// returns at once; the outcome reaches the listener.
func (e *Engine) Save(ctx context.Context, p string, tasks []todotxt.Task) error {
	if e.isClosed() {
		return ErrClosed
	}
	if p == "" {
		return fmt.Errorf("path is required")
	}
	contents := todotxt.Serialize(tasks, e.config.EOL)
	e.doBackup(p, contents)
	e.setPath(p)

	authErr := e.authorized()
	if authErr != nil || !e.monitor.IsOnline() {
		if err := e.do(ctx, "save_local", func() { e.keepLocal(p, contents) }); err != nil {
			return err
		}
		metrics.RecordSyncOp("save", "deferred")
		if authErr != nil {
			return authErr
		}
		return ErrOffline
	}

	return e.submit("save", func() {
		if err := e.pushOnWorker(e.ctx, p, contents); err != nil {
			e.notifyError("save", err)
		}
	})
}

// Append adds tasks to the end of the remote file without loading it
// first. It needs the remote: offline it returns ErrOffline.
func (e *Engine) Append(ctx context.Context, p string, tasks []todotxt.Task) error {
	if e.isClosed() {
		return ErrClosed
	}
	if p == "" {
		return fmt.Errorf("path is required")
	}
	if len(tasks) == 0 {
		return nil
	}
	if err := e.authorized(); err != nil {
		return err
	}
	if !e.monitor.IsOnline() {
		metrics.RecordSyncOp("append", "offline")
		return ErrOffline
	}

	addition := todotxt.Serialize(tasks, e.config.EOL)
	return e.submit("append", func() {
		if err := e.appendOnWorker(e.ctx, p, addition); err != nil {
			e.notifyError("append", err)
		}
	})
}

// Sync reloads the current file on the queue, pushing pending changes
// first, and tells the listener once fresh content is cached. Before any
// file was loaded it only asks the listener to reload.
func (e *Engine) Sync(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.authorized(); err != nil {
		return err
	}
	if !e.monitor.IsOnline() {
		metrics.RecordSyncOp("sync", "offline")
		return ErrOffline
	}
	metrics.RecordSyncOp("sync", "ok")
	if e.currentPath() == "" {
		e.notifyFileChanged("")
		return nil
	}
	return e.submit("sync", func() { e.reloadOnWorker("sync") })
}

// ReadFile reads an arbitrary remote file without caching it.
func (e *Engine) ReadFile(ctx context.Context, p string) (string, error) {
	if err := e.requireOnline(); err != nil {
		return "", err
	}
	var (
		contents string
		err      error
	)
	qerr := e.do(ctx, "read_file", func() {
		var f remote.File
		f, err = e.store.FetchFile(e.ctx, p)
		if err != nil {
			err = e.translate("read_file", err)
			return
		}
		contents = f.Contents
	})
	if qerr != nil {
		return "", qerr
	}
	return contents, err
}

// WriteFile overwrites an arbitrary remote file unconditionally. It does
// not touch the cache.
func (e *Engine) WriteFile(ctx context.Context, p, contents string) error {
	if err := e.requireOnline(); err != nil {
		return err
	}
	var err error
	qerr := e.do(ctx, "write_file", func() {
		if _, perr := e.store.PutFile(e.ctx, p, contents, ""); perr != nil {
			err = e.translate("write_file", perr)
		}
	})
	if qerr != nil {
		return qerr
	}
	return err
}

func (e *Engine) requireOnline() error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.authorized(); err != nil {
		return err
	}
	if !e.monitor.IsOnline() {
		return ErrOffline
	}
	return nil
}

func (e *Engine) do(ctx context.Context, name string, op func()) error {
	err := e.queue.Do(ctx, name, op)
	if errors.Is(err, queue.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (e *Engine) submit(name string, op func()) error {
	err := e.queue.Submit(name, op)
	if errors.Is(err, queue.ErrClosed) {
		return ErrClosed
	}
	return err
}

// translate turns a remote error into the engine's taxonomy. An auth
// failure unlinks the engine.
func (e *Engine) translate(op string, err error) error {
	if remote.IsAuth(err) {
		e.onUnlinked(err)
		return ErrUnlinked
	}
	return &RemoteError{Op: op, Err: err}
}

func (e *Engine) cachedResult(notice error) *Result {
	rec := e.cache.Load()
	return &Result{
		Tasks:     todotxt.Parse(rec.Contents),
		Path:      rec.Path,
		Revision:  rec.Revision,
		FromCache: true,
		Pending:   rec.PendingChanges,
		Notice:    notice,
	}
}

// loadOnWorker must run on the queue worker.
func (e *Engine) loadOnWorker(p string) (*Result, error) {
	e.loading.Add(1)
	defer e.loading.Add(-1)

	if err := e.authorized(); err != nil {
		return nil, err
	}
	ctx := e.ctx
	log := e.logger.With(zap.String("path", p))

	if e.cache.HasPendingChanges() {
		rec := e.cache.Load()
		if !watcher.SamePath(rec.Path, p) {
			if err := e.flushOtherOnWorker(ctx, rec); err != nil {
				return nil, err
			}
			return e.fetchOnWorker(ctx, p)
		}
		log.Info("pushing pending local changes before load")
		err := e.pushOnWorker(ctx, p, rec.Contents)
		if errors.Is(err, ErrAuthRequired) {
			return nil, err
		}
		res := e.cachedResult(err)
		if _, conflict := IsConflict(err); err == nil || conflict {
			res.FromCache = false
		}
		return res, nil
	}
	return e.fetchOnWorker(ctx, p)
}

// flushOtherOnWorker pushes the pending changes of a file other than the one
// being loaded to their own path, conditional on their base revision, so
// loading p cannot drop them. Worker only.
func (e *Engine) flushOtherOnWorker(ctx context.Context, rec cache.Record) error {
	e.logger.Info("pushing pending changes of another file before load",
		zap.String("pending_path", rec.Path),
	)
	newPath, err := e.storeOnWorker(ctx, rec.Path, rec.Contents)
	if err != nil {
		return err
	}
	if !watcher.SamePath(newPath, rec.Path) {
		metrics.RecordConflictRename()
		e.notifyError("load", &ConflictRenamedError{Path: rec.Path, NewPath: newPath})
	}
	return nil
}

// fetchOnWorker reads p from the remote into the cache. Worker only.
func (e *Engine) fetchOnWorker(ctx context.Context, p string) (*Result, error) {
	log := e.logger.With(zap.String("path", p))
	f, err := e.store.FetchFile(ctx, p)
	if remote.IsNotFound(err) {
		log.Info("remote file does not exist, creating it")
		if _, perr := e.store.PutFile(ctx, p, "", ""); perr != nil {
			err = perr
		} else {
			f, err = e.store.FetchFile(ctx, p)
		}
	}
	if err != nil {
		terr := e.translate("load", err)
		if errors.Is(terr, ErrAuthRequired) {
			metrics.RecordSyncOp("load", "unlinked")
			return nil, terr
		}
		if rec := e.cache.Load(); !rec.Empty() && !watcher.SamePath(rec.Path, p) {
			// The cache holds another file; it is no stand-in for p.
			metrics.RecordSyncOp("load", "failed")
			return nil, terr
		}
		log.Warn("remote read failed, serving cached copy", zap.Error(err))
		metrics.RecordSyncOp("load", "cache_fallback")
		return e.cachedResult(terr), nil
	}

	e.cache.Save(p, f.Revision, f.Contents)
	e.doBackup(p, f.Contents)
	e.startWatching(p)
	metrics.RecordSyncOp("load", "ok")

	return &Result{
		Tasks:    todotxt.Parse(f.Contents),
		Path:     p,
		Revision: f.Revision,
	}, nil
}

// keepLocal stores contents as pending, keeping the base revision so the
// eventual push is conditional on it. Worker only.
func (e *Engine) keepLocal(p, contents string) {
	rec := e.cache.Load()
	base := ""
	if watcher.SamePath(rec.Path, p) {
		base = rec.Revision
	}
	e.cache.Save(p, base, contents)
	if !rec.PendingChanges {
		e.cache.SetPendingChanges(true)
		e.notifyPending(true)
	}
}

// storeOnWorker writes contents to p, conditional on the cached revision
// when the cache holds p, and records the stored revision. It returns the
// path the remote stored the write under. A failed write leaves the contents
// pending. Worker only.
func (e *Engine) storeOnWorker(ctx context.Context, p, contents string) (string, error) {
	rec := e.cache.Load()
	expected := ""
	if watcher.SamePath(rec.Path, p) {
		expected = rec.Revision
	}

	f, err := e.store.PutFile(ctx, p, contents, expected)
	if err != nil {
		e.keepLocal(p, contents)
		terr := e.translate("save", err)
		e.logger.Warn("push failed, keeping changes locally", zap.String("path", p), zap.Error(err))
		metrics.RecordSyncOp("save", "failed")
		return "", terr
	}

	newPath := f.Path
	if newPath == "" {
		newPath = p
	}
	e.cache.Save(newPath, f.Revision, contents)
	if e.cache.HasPendingChanges() {
		e.cache.SetPendingChanges(false)
		e.notifyPending(false)
	}
	return newPath, nil
}

// pushOnWorker writes contents to p and follows a rename.
// It returns nil, a *ConflictRenamedError, a *RemoteError or ErrUnlinked.
// Worker only.
func (e *Engine) pushOnWorker(ctx context.Context, p, contents string) error {
	newPath, err := e.storeOnWorker(ctx, p, contents)
	if err != nil {
		return err
	}
	if !watcher.SamePath(newPath, p) {
		return e.followRename("save", p, newPath)
	}
	metrics.RecordSyncOp("save", "ok")
	e.startWatching(p)
	return nil
}

// followRename switches the engine to newPath after the remote stored a
// write to p under that name. Worker only.
func (e *Engine) followRename(op, p, newPath string) error {
	e.logger.Warn("remote stored our write under a new name",
		zap.String("path", p),
		zap.String("new_path", newPath),
	)
	metrics.RecordConflictRename()
	metrics.RecordSyncOp(op, "conflict")
	e.setPath(newPath)
	e.notifyFileChanged(newPath)
	e.startWatching(newPath)
	return &ConflictRenamedError{Path: p, NewPath: newPath}
}

// appendOnWorker fetches p, appends addition and writes it back
// conditional on the fetched revision. Worker only.
func (e *Engine) appendOnWorker(ctx context.Context, p, addition string) error {
	f, err := e.store.FetchFile(ctx, p)
	if err != nil && !remote.IsNotFound(err) {
		metrics.RecordSyncOp("append", "failed")
		return e.translate("append", err)
	}

	contents := f.Contents
	if contents != "" && !strings.HasSuffix(contents, "\n") && !strings.HasSuffix(contents, "\r") {
		contents += e.config.EOL
	}
	contents += addition

	put, err := e.store.PutFile(ctx, p, contents, f.Revision)
	if err != nil {
		metrics.RecordSyncOp("append", "failed")
		return e.translate("append", err)
	}

	newPath := put.Path
	if newPath == "" {
		newPath = p
	}
	rec := e.cache.Load()
	if !watcher.SamePath(newPath, p) {
		// Pending edits stay in the cache; the next Load pushes them.
		if !rec.PendingChanges {
			e.cache.Save(newPath, put.Revision, contents)
		}
		return e.followRename("append", p, newPath)
	}

	if watcher.SamePath(rec.Path, p) && !rec.PendingChanges {
		e.cache.Save(p, put.Revision, contents)
		e.notifyFileChanged("")
	}
	metrics.RecordSyncOp("append", "ok")
	return nil
}
