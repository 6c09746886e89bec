// Package fsstore implements remote.Store on a local directory.
//
// It is useful with a folder that some other tool syncs (a network share,
// a synced desktop folder) and in tests. Revisions are content hashes, the
// change feed is a snapshot cursor, and LongPoll waits on fsnotify events
// for the directory tree instead of polling.
package fsstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/remote"
)

const tempPrefix = ".todosync-"

// Store is a directory-backed remote.Store.
type Store struct {
	root   string
	logger *zap.Logger

	// mu serializes writers in this process. Other processes writing the
	// directory are detected through revisions like any remote edit.
	mu sync.Mutex
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", abs, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: abs, logger: logger.Named("fsstore")}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// Revision returns the revision fsstore assigns to contents.
func Revision(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:16])
}

func observe(op string, start time.Time, err error) {
	metrics.RecordRemoteOp("fs", op, time.Since(start), err == nil)
}

// resolve maps a store path to a file path under root.
func (s *Store) resolve(op, p string) (string, string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", "", remote.NewError(op, p, remote.KindMalformed, fmt.Errorf("path names the root directory"))
	}
	return clean, filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// FetchFile implements remote.Store.
func (s *Store) FetchFile(ctx context.Context, p string) (f remote.File, err error) {
	defer func(start time.Time) { observe("fetch_file", start, err) }(time.Now())

	clean, full, err := s.resolve("fetch_file", p)
	if err != nil {
		return remote.File{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return remote.File{}, fsError("fetch_file", clean, err)
	}
	return remote.File{Path: clean, Revision: Revision(data), Contents: string(data)}, nil
}

// PutFile implements remote.Store. A stale expectedRevision stores the
// contents under the first free conflict path instead.
func (s *Store) PutFile(ctx context.Context, p, contents, expectedRevision string) (f remote.File, err error) {
	defer func(start time.Time) { observe("put_file", start, err) }(time.Now())

	clean, full, err := s.resolve("put_file", p)
	if err != nil {
		return remote.File{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, targetFull := clean, full
	if expectedRevision != "" {
		current, rerr := os.ReadFile(full)
		switch {
		case rerr == nil && Revision(current) != expectedRevision:
			target, targetFull, err = s.freeConflictPath(clean)
			if err != nil {
				return remote.File{}, err
			}
			s.logger.Info("stale revision, writing conflicted copy",
				zap.String("path", clean),
				zap.String("conflict_path", target),
			)
		case rerr != nil && !errors.Is(rerr, fs.ErrNotExist):
			return remote.File{}, fsError("put_file", clean, rerr)
		}
	}

	if err := writeAtomic(targetFull, []byte(contents)); err != nil {
		return remote.File{}, fsError("put_file", target, err)
	}
	return remote.File{Path: target, Revision: Revision([]byte(contents))}, nil
}

func (s *Store) freeConflictPath(clean string) (string, string, error) {
	for n := 1; n <= remote.MaxConflictCopies; n++ {
		candidate := remote.ConflictPath(clean, n)
		full := filepath.Join(s.root, filepath.FromSlash(candidate))
		if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
			return candidate, full, nil
		}
	}
	return "", "", remote.NewError("put_file", clean, remote.KindMalformed,
		fmt.Errorf("no free conflict name after %d attempts", remote.MaxConflictCopies))
}

// writeAtomic writes through a temp file in the same directory and renames
// it into place, so readers never see a partial file.
func writeAtomic(full string, data []byte) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// snapshot hashes every file under root.
func (s *Store) snapshot() (remote.Snapshot, error) {
	snap := remote.Snapshot{}
	err := filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		data, err := os.ReadFile(full)
		if errors.Is(err, fs.ErrNotExist) {
			// Removed while walking.
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		snap["/"+filepath.ToSlash(rel)] = Revision(data)
		return nil
	})
	if err != nil {
		return nil, fsError("snapshot", "", err)
	}
	return snap, nil
}

// LatestCursor implements remote.Store.
func (s *Store) LatestCursor(ctx context.Context) (c remote.Cursor, err error) {
	defer func(start time.Time) { observe("latest_cursor", start, err) }(time.Now())

	snap, err := s.snapshot()
	if err != nil {
		return "", err
	}
	return snap.Cursor()
}

// ListChangesSince implements remote.Store.
func (s *Store) ListChangesSince(ctx context.Context, cursor remote.Cursor) (next remote.Cursor, changes []remote.Change, err error) {
	defer func(start time.Time) { observe("list_changes", start, err) }(time.Now())

	old, err := remote.DecodeSnapshot(cursor)
	if err != nil {
		return "", nil, err
	}
	cur, err := s.snapshot()
	if err != nil {
		return "", nil, err
	}
	next, err = cur.Cursor()
	if err != nil {
		return "", nil, err
	}
	return next, old.Diff(cur), nil
}

// LongPoll implements remote.Store. It returns as soon as the tree differs
// from the cursor's snapshot, or with Changed false after timeout.
func (s *Store) LongPoll(ctx context.Context, cursor remote.Cursor, timeout time.Duration) (res remote.PollResult, err error) {
	defer func(start time.Time) { observe("longpoll", start, err) }(time.Now())

	base, err := remote.DecodeSnapshot(cursor)
	if err != nil {
		return remote.PollResult{}, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return remote.PollResult{}, fsError("longpoll", "", fmt.Errorf("failed to create fsnotify watcher: %w", err))
	}
	defer w.Close()

	if err := s.watchTree(w); err != nil {
		return remote.PollResult{}, err
	}

	// Changes made before the watch was armed.
	if changed, err := s.differs(base); err != nil || changed {
		return remote.PollResult{Changed: changed}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return remote.PollResult{}, remote.Wrap("longpoll", "", ctx.Err())

		case <-timer.C:
			return remote.PollResult{}, nil

		case event, ok := <-w.Events:
			if !ok {
				return remote.PollResult{}, remote.NewError("longpoll", "", remote.KindNetwork, fmt.Errorf("watcher closed"))
			}
			if strings.HasPrefix(filepath.Base(event.Name), tempPrefix) || event.Has(fsnotify.Chmod) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			changed, err := s.differs(base)
			if err != nil || changed {
				return remote.PollResult{Changed: changed}, err
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return remote.PollResult{}, remote.NewError("longpoll", "", remote.KindNetwork, fmt.Errorf("watcher closed"))
			}
			s.logger.Warn("fsnotify error", zap.Error(werr))
		}
	}
}

func (s *Store) watchTree(w *fsnotify.Watcher) error {
	err := filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(full); err != nil {
			return fmt.Errorf("failed to watch %s: %w", full, err)
		}
		return nil
	})
	if err != nil {
		return fsError("longpoll", "", err)
	}
	return nil
}

func (s *Store) differs(base remote.Snapshot) (bool, error) {
	cur, err := s.snapshot()
	if err != nil {
		return false, err
	}
	return len(base.Diff(cur)) > 0, nil
}

func fsError(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return remote.NewError(op, p, remote.KindNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return remote.NewError(op, p, remote.KindAuth, err)
	default:
		return remote.Wrap(op, p, err)
	}
}

var _ remote.Store = (*Store)(nil)
