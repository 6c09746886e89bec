// Package remotetest provides an in-memory remote.Store for tests.
//
// The store behaves like the hosted service (revisions, conflict renames,
// a change feed) and can be scripted to fail, to redirect writes, or to
// return canned long-poll results. It records every call so tests can
// assert on the exact sequence the sync engine issued.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/todosync/todosync/internal/remote"
)

// Call is one recorded Store method invocation.
type Call struct {
	Op               string
	Path             string
	Contents         string
	ExpectedRevision string
}

// PollStep is a scripted LongPoll outcome. Delay is spent before
// returning; a Delay longer than the context deadline ends in a timeout.
type PollStep struct {
	Result remote.PollResult
	Err    error
	Delay  time.Duration
}

// ChangeStep is a scripted ListChangesSince outcome.
type ChangeStep struct {
	Changes []remote.Change
	Err     error
}

// Store is a fake remote.Store. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	files    map[string]remote.File
	nextRev  int
	calls    []Call
	failures map[string][]error
	renames  []string
	polls    []PollStep
	changes  []ChangeStep
	cursor   int

	// OpDelay is slept inside FetchFile and PutFile so overlapping calls
	// become observable.
	OpDelay time.Duration

	active    int32
	maxActive int32
	pollHook  chan struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		files:    make(map[string]remote.File),
		failures: make(map[string][]error),
		pollHook: make(chan struct{}, 64),
	}
}

// SetFile stores contents at path with a fresh revision and returns it.
func (s *Store) SetFile(path, contents string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(path, contents)
}

// SetRevision stores contents at path under a specific revision.
func (s *Store) SetRevision(path, revision, contents string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = remote.File{Path: path, Revision: revision, Contents: contents}
}

// File returns the stored file at path.
func (s *Store) File(path string) (remote.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

// Calls returns a copy of the call log.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls of one operation.
func (s *Store) CallsTo(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MaxConcurrent returns the highest number of FetchFile/PutFile calls
// that were ever in flight together.
func (s *Store) MaxConcurrent() int {
	return int(atomic.LoadInt32(&s.maxActive))
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// RenameNextPut stores the next PutFile under newPath, as the service does
// when it detects a conflict the fake could not.
func (s *Store) RenameNextPut(newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renames = append(s.renames, newPath)
}

// QueuePoll scripts the next LongPoll outcome. With nothing queued,
// LongPoll blocks until its timeout or context ends and reports no change.
func (s *Store) QueuePoll(step PollStep) {
	s.mu.Lock()
	s.polls = append(s.polls, step)
	s.mu.Unlock()
}

// QueueChanges scripts the next ListChangesSince outcome. With nothing
// queued it returns an empty batch.
func (s *Store) QueueChanges(step ChangeStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, step)
}

// PollStarted is signalled every time LongPoll is entered.
func (s *Store) PollStarted() <-chan struct{} {
	return s.pollHook
}

func (s *Store) record(c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if errs := s.failures[c.Op]; len(errs) > 0 {
		s.failures[c.Op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Store) enter() func() {
	n := atomic.AddInt32(&s.active, 1)
	for {
		m := atomic.LoadInt32(&s.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxActive, m, n) {
			break
		}
	}
	if s.OpDelay > 0 {
		time.Sleep(s.OpDelay)
	}
	return func() { atomic.AddInt32(&s.active, -1) }
}

func (s *Store) store(path, contents string) string {
	s.nextRev++
	rev := fmt.Sprintf("rev%d", s.nextRev)
	s.files[path] = remote.File{Path: path, Revision: rev, Contents: contents}
	return rev
}

// FetchFile implements remote.Store.
func (s *Store) FetchFile(ctx context.Context, path string) (remote.File, error) {
	defer s.enter()()
	if err := s.record(Call{Op: "FetchFile", Path: path}); err != nil {
		return remote.File{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	if !ok {
		return remote.File{}, remote.NewError("fetch_file", path, remote.KindNotFound, nil)
	}
	return f, nil
}

// PutFile implements remote.Store. A non-empty expectedRevision that does
// not match the stored one produces a conflict rename.
func (s *Store) PutFile(ctx context.Context, path, contents, expectedRevision string) (remote.File, error) {
	defer s.enter()()
	if err := s.record(Call{Op: "PutFile", Path: path, Contents: contents, ExpectedRevision: expectedRevision}); err != nil {
		return remote.File{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := path
	if len(s.renames) > 0 {
		target = s.renames[0]
		s.renames = s.renames[1:]
	} else if cur, ok := s.files[path]; ok && expectedRevision != "" && cur.Revision != expectedRevision {
		for n := 1; ; n++ {
			target = remote.ConflictPath(path, n)
			if _, taken := s.files[target]; !taken {
				break
			}
		}
	}
	rev := s.store(target, contents)
	return remote.File{Path: target, Revision: rev}, nil
}

// LatestCursor implements remote.Store.
func (s *Store) LatestCursor(ctx context.Context) (remote.Cursor, error) {
	if err := s.record(Call{Op: "LatestCursor"}); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.Cursor(fmt.Sprintf("c%d", s.cursor)), nil
}

// LongPoll implements remote.Store.
func (s *Store) LongPoll(ctx context.Context, cursor remote.Cursor, timeout time.Duration) (remote.PollResult, error) {
	if err := s.record(Call{Op: "LongPoll"}); err != nil {
		s.notifyPoll()
		return remote.PollResult{}, err
	}

	s.mu.Lock()
	var step *PollStep
	if len(s.polls) > 0 {
		step = &s.polls[0]
		s.polls = s.polls[1:]
	}
	s.mu.Unlock()
	s.notifyPoll()

	if step == nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return remote.PollResult{}, nil
		case <-ctx.Done():
			return remote.PollResult{}, remote.Wrap("longpoll", "", ctx.Err())
		}
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return remote.PollResult{}, remote.Wrap("longpoll", "", ctx.Err())
		}
	}
	return step.Result, step.Err
}

func (s *Store) notifyPoll() {
	select {
	case s.pollHook <- struct{}{}:
	default:
	}
}

// ListChangesSince implements remote.Store.
func (s *Store) ListChangesSince(ctx context.Context, cursor remote.Cursor) (remote.Cursor, []remote.Change, error) {
	if err := s.record(Call{Op: "ListChangesSince"}); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var step ChangeStep
	if len(s.changes) > 0 {
		step = s.changes[0]
		s.changes = s.changes[1:]
	}
	if step.Err != nil {
		return "", nil, step.Err
	}
	s.cursor++
	return remote.Cursor(fmt.Sprintf("c%d", s.cursor)), step.Changes, nil
}

var _ remote.Store = (*Store)(nil)
