// Package remote defines the storage contract the sync engine talks to.
//
// A Store holds files addressed by path, each carrying an opaque
// server-assigned revision. Writes are conditional on the revision the
// writer last saw; a stale write is never rejected, it is stored under a
// new path instead (a conflict rename) and the new path is returned.
// Change detection is cursor based: LatestCursor marks "now", LongPoll
// blocks until something after the cursor changes, and ListChangesSince
// reports what changed.
//
// Implementations live in the httpstore, s3store and fsstore packages.
package remote

import (
	"context"
	"time"
)

// DefaultLongPollTimeout is how long a single LongPoll call may block.
const DefaultLongPollTimeout = 120 * time.Second

// File is a file body plus its revision.
type File struct {
	Path     string
	Revision string
	Contents string
}

// Cursor is an opaque change-feed position.
type Cursor string

// PollResult is the outcome of a LongPoll call.
type PollResult struct {
	// Changed is true when something after the cursor changed.
	Changed bool
	// Backoff is the server-suggested delay before polling again.
	Backoff time.Duration
}

// Change is a single entry of a change batch.
type Change struct {
	Path     string
	Revision string // empty for deletions
	Deleted  bool
}

// Store is the remote file store.
//
// Every method returns *Error on failure so that callers can switch on the
// error Kind instead of inspecting transport errors.
type Store interface {
	// FetchFile downloads path. A missing file fails with KindNotFound.
	FetchFile(ctx context.Context, path string) (File, error)

	// PutFile writes contents to path. expectedRevision is the revision the
	// caller last saw; empty means unconditional overwrite. The returned
	// File carries the new revision and the path the contents were actually
	// stored under, which differs from path after a conflict rename.
	PutFile(ctx context.Context, path, contents, expectedRevision string) (File, error)

	// LatestCursor returns a cursor positioned at the current state.
	LatestCursor(ctx context.Context) (Cursor, error)

	// LongPoll blocks for up to timeout waiting for changes after cursor.
	LongPoll(ctx context.Context, cursor Cursor, timeout time.Duration) (PollResult, error)

	// ListChangesSince returns the changes after cursor and the cursor to
	// use next.
	ListChangesSince(ctx context.Context, cursor Cursor) (Cursor, []Change, error)
}
