package engine

import (
	"errors"
	"fmt"
)

// Errors surfaced to callers. Raw remote errors never escape the engine;
// they are translated into one of these first.
//
//	if errors.Is(err, engine.ErrOffline) {
//	    // show "saved locally" banner, nothing was lost
//	}
var (
	// ErrAuthRequired means no credentials are configured. The caller
	// should start the login flow.
	ErrAuthRequired = errors.New("not logged in")

	// ErrOffline means the remote was not contacted. For writes the change
	// is kept in the local cache and pushed later; it is a deferral, not
	// a failure.
	ErrOffline = errors.New("offline, change kept locally")

	// ErrUnlinked means the remote revoked our credentials. The watcher
	// stays stopped until the next login. It matches ErrAuthRequired.
	ErrUnlinked = fmt.Errorf("%w: remote access was revoked", ErrAuthRequired)

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine is closed")
)

// RemoteError is a transient remote failure. Reads fell back to the cache
// and writes were kept locally with the pending flag set.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed, using local copy: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ConflictRenamedError reports that the remote stored a write under a new
// path because our revision was stale. It is informational: nothing was
// lost, but the caller must switch to NewPath.
type ConflictRenamedError struct {
	Path    string
	NewPath string
}

func (e *ConflictRenamedError) Error() string {
	return fmt.Sprintf("remote renamed %s to %s after a conflicting edit", e.Path, e.NewPath)
}

// IsDeferred reports whether err means work was queued locally rather
// than failed.
func IsDeferred(err error) bool {
	return errors.Is(err, ErrOffline)
}

// IsConflict reports whether err is a conflict rename and returns it.
func IsConflict(err error) (*ConflictRenamedError, bool) {
	var ce *ConflictRenamedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) || IsDeferred(err)
}
