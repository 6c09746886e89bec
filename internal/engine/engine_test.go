package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/todosync/todosync/internal/cache"
	"github.com/todosync/todosync/internal/connectivity"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/remote/remotetest"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/watcher"
)

const todoPath = "/todo.txt"

type fakeAuth struct {
	mu    sync.Mutex
	token string
}

func (a *fakeAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != ""
}

func (a *fakeAuth) StartLogin(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
	return nil
}

func (a *fakeAuth) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	return nil
}

type fakeBackup struct {
	mu      sync.Mutex
	entries []string
}

func (b *fakeBackup) Backup(path, contents string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, contents)
}

func (b *fakeBackup) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.entries...)
}

// recorder implements every listener interface.
type recorder struct {
	mu           sync.Mutex
	changed      []string
	pending      []bool
	connectivity []bool
	errors       []error
}

func (r *recorder) OnFileChanged(newPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, newPath)
}

func (r *recorder) OnPendingChanges(pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pending)
}

func (r *recorder) OnConnectivity(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectivity = append(r.connectivity, online)
}

func (r *recorder) OnSyncError(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) changes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changed...)
}

func (r *recorder) syncErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func (r *recorder) pendingEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.pending...)
}

type harness struct {
	engine   *Engine
	store    *remotetest.Store
	monitor  *connectivity.Manual
	cache    *cache.LocalCache
	db       *cache.DB
	auth     *fakeAuth
	backup   *fakeBackup
	listener *recorder
}

func newHarness(t *testing.T, online bool, debounce time.Duration) *harness {
	t.Helper()

	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open cache db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		store:    remotetest.New(),
		monitor:  connectivity.NewManual(online),
		cache:    cache.NewLocalCache(db, nil),
		db:       db,
		auth:     &fakeAuth{token: "secret"},
		backup:   &fakeBackup{},
		listener: &recorder{},
	}

	wcfg := watcher.DefaultConfig()
	wcfg.PollTimeout = time.Hour

	h.engine, err = New(Deps{
		Store:    h.store,
		Cache:    h.cache,
		Monitor:  h.monitor,
		Auth:     h.auth,
		Backup:   h.backup,
		Listener: h.listener,
	}, &Config{Debounce: debounce, Watcher: wcfg})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	h.monitor.Subscribe(h.engine.OnConnectivityChanged)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.engine.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func taskTexts(tasks []todotxt.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.String()
	}
	return out
}

func TestNewValidation(t *testing.T) {
	store := remotetest.New()
	c := cache.NewLocalCache(nil, nil)
	m := connectivity.NewManual(true)
	auth := &fakeAuth{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing store", Deps{Cache: c, Monitor: m, Auth: auth}},
		{"missing cache", Deps{Store: store, Monitor: m, Auth: auth}},
		{"missing monitor", Deps{Store: store, Cache: c, Auth: auth}},
		{"missing auth", Deps{Store: store, Cache: c, Monitor: m}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps, nil); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestLoadRequiresAuth(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.auth.Logout()

	_, err := h.engine.Load(context.Background(), todoPath)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Load() error = %v, want ErrAuthRequired", err)
	}
	if n := len(h.store.Calls()); n != 0 {
		t.Errorf("store saw %d calls, want none", n)
	}
}

func TestLoadOnline(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	rev := h.store.SetFile(todoPath, "(A) call mom\nbuy milk\n")

	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.FromCache || res.Offline {
		t.Errorf("Load() FromCache=%v Offline=%v, want both false", res.FromCache, res.Offline)
	}
	if got := taskTexts(res.Tasks); len(got) != 2 || got[0] != "(A) call mom" || got[1] != "buy milk" {
		t.Errorf("Load() tasks = %q", got)
	}

	rec := h.cache.Load()
	if rec.Revision != rev || rec.Path != todoPath || rec.PendingChanges {
		t.Errorf("cache = %+v, want revision %s", rec, rev)
	}
	if got := h.backup.all(); len(got) != 1 || got[0] != "(A) call mom\nbuy milk\n" {
		t.Errorf("backups = %q", got)
	}
	if st := h.engine.Status(); st.Watcher == watcher.StateStopped {
		t.Error("watcher not started after load")
	}
}

func TestLoadCreatesMissingFile(t *testing.T) {
	h := newHarness(t, true, time.Hour)

	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(res.Tasks) != 0 {
		t.Errorf("Load() tasks = %d, want 0", len(res.Tasks))
	}

	puts := h.store.CallsTo("PutFile")
	if len(puts) != 1 || puts[0].Contents != "" || puts[0].ExpectedRevision != "" {
		t.Fatalf("PutFile calls = %+v, want one empty unconditional write", puts)
	}
	if n := len(h.store.CallsTo("FetchFile")); n != 2 {
		t.Errorf("FetchFile calls = %d, want 2", n)
	}
}

// Scenario A: an offline save touches only the cache.
func TestSaveOffline(t *testing.T) {
	h := newHarness(t, false, time.Hour)
	tasks := todotxt.Lines("x 2024-01-01 done thing", "new thing")

	err := h.engine.Save(context.Background(), todoPath, tasks)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Save() error = %v, want ErrOffline", err)
	}
	if !IsDeferred(err) {
		t.Error("IsDeferred() = false for an offline save")
	}
	if calls := h.store.Calls(); len(calls) != 0 {
		t.Errorf("store saw %+v while offline", calls)
	}

	rec := h.cache.Load()
	if rec.Contents != "x 2024-01-01 done thing\nnew thing\n" || !rec.PendingChanges {
		t.Errorf("cache = %+v, want contents kept with pending flag", rec)
	}

	h.flush(t)
	if got := h.listener.pendingEvents(); len(got) != 1 || !got[0] {
		t.Errorf("pending events = %v, want [true]", got)
	}

	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !res.Offline || !res.Pending || len(res.Tasks) != 2 {
		t.Errorf("offline Load() = %+v", res)
	}
}

// The pending flag survives a restart.
func TestOfflineSaveSurvivesRestart(t *testing.T) {
	h := newHarness(t, false, time.Hour)
	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("keep me")); !IsDeferred(err) {
		t.Fatalf("Save() error = %v", err)
	}

	reopened := cache.NewLocalCache(h.db, nil)
	rec := reopened.Load()
	if rec.Contents != "keep me\n" || !rec.PendingChanges {
		t.Errorf("restored cache = %+v", rec)
	}
}

// Pending changes are pushed before anything is read.
func TestLoadPushesPendingFirst(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	base := h.store.SetFile(todoPath, "old\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h.monitor.Set(false)
	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("old", "offline edit")); !IsDeferred(err) {
		t.Fatalf("Save() error = %v", err)
	}
	callsBefore := len(h.store.Calls())
	h.monitor.Set(true)

	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.FromCache || res.Pending {
		t.Errorf("Load() FromCache=%v Pending=%v, want false", res.FromCache, res.Pending)
	}
	if got := taskTexts(res.Tasks); len(got) != 2 || got[1] != "offline edit" {
		t.Errorf("Load() tasks = %q", got)
	}

	var ops []string
	for _, c := range h.store.Calls()[callsBefore:] {
		if c.Op == "FetchFile" || c.Op == "PutFile" {
			ops = append(ops, c.Op)
		}
	}
	if len(ops) == 0 || ops[0] != "PutFile" {
		t.Fatalf("remote ops after reconnect = %v, want PutFile first", ops)
	}
	for _, op := range ops {
		if op == "FetchFile" {
			t.Errorf("Load() fetched while pushing pending changes: %v", ops)
		}
	}

	put := h.store.CallsTo("PutFile")[0]
	if put.ExpectedRevision != base || put.Contents != "old\noffline edit\n" {
		t.Errorf("PutFile = %+v, want conditional on %s", put, base)
	}
	if h.cache.HasPendingChanges() {
		t.Error("pending flag still set after a successful push")
	}
}

// Pending changes of one file never land on another file that is loaded.
func TestLoadOtherFilePushesPendingToTheirOwnPath(t *testing.T) {
	const otherPath = "/other.txt"

	tests := []struct {
		name string
		// prepare runs after the offline save, before the online load.
		prepare     func(h *harness)
		wantErr     bool
		wantTodo    string
		wantPending bool
		wantRenamed string
	}{
		{
			name:     "pushed to their own file",
			prepare:  func(h *harness) {},
			wantTodo: "offline edit of todo\n",
		},
		{
			name:        "stale base revision is renamed",
			prepare:     func(h *harness) { h.store.SetFile(todoPath, "edited elsewhere\n") },
			wantTodo:    "edited elsewhere\n",
			wantRenamed: "/todo (1).txt",
		},
		{
			name: "failed push keeps them pending",
			prepare: func(h *harness) {
				h.store.FailNext("PutFile", remote.NewError("put_file", todoPath, remote.KindNetwork, nil))
			},
			wantErr:     true,
			wantTodo:    "todo\n",
			wantPending: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, time.Hour)
			base := h.store.SetFile(todoPath, "todo\n")
			h.store.SetFile(otherPath, "important remote task\n")
			if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			h.monitor.Set(false)
			if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("offline edit of todo")); !IsDeferred(err) {
				t.Fatalf("Save() error = %v", err)
			}
			tt.prepare(h)
			h.monitor.Set(true)

			res, err := h.engine.Load(context.Background(), otherPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load(%s) error = %v, wantErr %v", otherPath, err, tt.wantErr)
			}
			h.flush(t)

			if f, _ := h.store.File(otherPath); f.Contents != "important remote task\n" {
				t.Errorf("remote %s = %q, want it untouched", otherPath, f.Contents)
			}
			if f, _ := h.store.File(todoPath); f.Contents != tt.wantTodo {
				t.Errorf("remote %s = %q, want %q", todoPath, f.Contents, tt.wantTodo)
			}
			for _, put := range h.store.CallsTo("PutFile") {
				if put.Path == otherPath {
					t.Errorf("PutFile wrote %s: %+v", otherPath, put)
				}
				if put.Path == todoPath && put.ExpectedRevision != base {
					t.Errorf("PutFile(%s) expected revision = %q, want %q", todoPath, put.ExpectedRevision, base)
				}
			}
			if got := h.cache.HasPendingChanges(); got != tt.wantPending {
				t.Errorf("HasPendingChanges() = %v, want %v", got, tt.wantPending)
			}

			if tt.wantErr {
				if rec := h.cache.Load(); rec.Path != todoPath || rec.Contents != "offline edit of todo\n" {
					t.Errorf("cache = %+v, want the pending edit kept", rec)
				}
				return
			}
			if got := taskTexts(res.Tasks); len(got) != 1 || got[0] != "important remote task" || res.Path != otherPath {
				t.Errorf("Load(%s) = %s %q", otherPath, res.Path, got)
			}
			if tt.wantRenamed != "" {
				if f, _ := h.store.File(tt.wantRenamed); f.Contents != "offline edit of todo\n" {
					t.Errorf("remote %s = %q, want the pending edit", tt.wantRenamed, f.Contents)
				}
				errs := h.listener.syncErrors()
				if len(errs) != 1 {
					t.Fatalf("sync errors = %v, want one conflict", errs)
				}
				if ce, ok := IsConflict(errs[0]); !ok || ce.NewPath != tt.wantRenamed {
					t.Errorf("sync error = %v, want conflict to %q", errs[0], tt.wantRenamed)
				}
			}
		})
	}
}

// The last of several offline saves wins and the pending flag stays set.
func TestSeveralOfflineSaves(t *testing.T) {
	h := newHarness(t, false, time.Hour)

	for _, line := range []string{"first", "second", "third"} {
		if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines(line)); !IsDeferred(err) {
			t.Fatalf("Save(%s) error = %v, want deferred", line, err)
		}
		rec := h.cache.Load()
		if rec.Contents != line+"\n" || !rec.PendingChanges {
			t.Errorf("cache after saving %s = %+v", line, rec)
		}
	}
	h.flush(t)

	if calls := h.store.Calls(); len(calls) != 0 {
		t.Errorf("store saw %+v while offline", calls)
	}
	if got := h.listener.pendingEvents(); len(got) != 1 || !got[0] {
		t.Errorf("pending events = %v, want a single [true]", got)
	}

	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := taskTexts(res.Tasks); len(got) != 1 || got[0] != "third" || !res.Pending {
		t.Errorf("offline Load() = %q pending=%v, want [third] pending", got, res.Pending)
	}

	h.monitor.Set(true)
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("online Load() error = %v", err)
	}
	puts := h.store.CallsTo("PutFile")
	if len(puts) != 1 || puts[0].Contents != "third\n" {
		t.Errorf("PutFile calls = %+v, want only the last contents", puts)
	}
}

// At most one remote call is in flight, and writes keep their order.
func TestOperationsNeverOverlap(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	h.store.OpDelay = 10 * time.Millisecond
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.engine.Append(context.Background(), todoPath, todotxt.Lines("appended"))
		}()
		go func() {
			defer wg.Done()
			h.engine.Load(context.Background(), todoPath)
		}()
	}
	for i, line := range []string{"first", "second", "third"} {
		if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines(line)); err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
	}
	wg.Wait()
	h.flush(t)

	if got := h.store.MaxConcurrent(); got != 1 {
		t.Errorf("MaxConcurrent() = %d, want 1", got)
	}

	var saved []string
	for _, c := range h.store.CallsTo("PutFile") {
		switch c.Contents {
		case "first\n", "second\n", "third\n":
			saved = append(saved, c.Contents)
		}
	}
	if len(saved) != 3 || saved[0] != "first\n" || saved[1] != "second\n" || saved[2] != "third\n" {
		t.Errorf("saves reached the store as %q", saved)
	}
}

// Scenario B: a failed remote read serves the cache.
func TestLoadFallsBackToCache(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "cached task\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h.store.FailNext("FetchFile", remote.NewError("fetch_file", todoPath, remote.KindNetwork, nil))
	res, err := h.engine.Load(context.Background(), todoPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want cache fallback", err)
	}
	if !res.FromCache || res.Offline {
		t.Errorf("Load() FromCache=%v Offline=%v, want true/false", res.FromCache, res.Offline)
	}
	var re *RemoteError
	if !errors.As(res.Notice, &re) {
		t.Errorf("Notice = %v, want *RemoteError", res.Notice)
	}
	if got := taskTexts(res.Tasks); len(got) != 1 || got[0] != "cached task" {
		t.Errorf("Load() tasks = %q", got)
	}
}

// Scenario C: a stale write is renamed by the remote and the caller is
// told the new path.
func TestSaveConflictRename(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "mine\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h.store.SetFile(todoPath, "someone else\n")

	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("mine", "more")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	h.flush(t)

	const renamed = "/todo (1).txt"
	if got := h.listener.changes(); len(got) == 0 || got[0] != renamed {
		t.Fatalf("listener changes = %q, want %q first", got, renamed)
	}
	rec := h.cache.Load()
	if rec.Path != renamed || rec.PendingChanges {
		t.Errorf("cache = %+v, want path %q", rec, renamed)
	}
	if f, _ := h.store.File(todoPath); f.Contents != "someone else\n" {
		t.Errorf("original file overwritten: %q", f.Contents)
	}

	errs := h.listener.syncErrors()
	if len(errs) != 1 {
		t.Fatalf("sync errors = %v, want one conflict", errs)
	}
	ce, ok := IsConflict(errs[0])
	if !ok || ce.NewPath != renamed || ce.Path != todoPath {
		t.Errorf("sync error = %v, want conflict to %q", errs[0], renamed)
	}
}

func TestSaveFailureKeepsChanges(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h.store.FailNext("PutFile", remote.NewError("put_file", todoPath, remote.KindNetwork, nil))
	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("a", "b")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	h.flush(t)

	rec := h.cache.Load()
	if rec.Contents != "a\nb\n" || !rec.PendingChanges {
		t.Errorf("cache = %+v, want contents kept with pending flag", rec)
	}
	errs := h.listener.syncErrors()
	if len(errs) != 1 || !IsTransient(errs[0]) {
		t.Errorf("sync errors = %v, want one transient error", errs)
	}
}

// Scenario E: an online edge followed by an offline edge within the
// debounce window does nothing.
func TestConnectivityFlapIsDebounced(t *testing.T) {
	h := newHarness(t, false, 50*time.Millisecond)
	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("x")); !IsDeferred(err) {
		t.Fatalf("Save() error = %v", err)
	}

	h.monitor.Set(true)
	h.monitor.Set(false)
	time.Sleep(150 * time.Millisecond)
	h.flush(t)

	if calls := h.store.Calls(); len(calls) != 0 {
		t.Errorf("store saw %+v after a flap", calls)
	}
	if got := h.listener.changes(); len(got) != 0 {
		t.Errorf("listener told of changes %q after a flap", got)
	}
}

func TestReconnectPushesPendingChanges(t *testing.T) {
	h := newHarness(t, true, 20*time.Millisecond)
	h.store.SetFile(todoPath, "a\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h.monitor.Set(false)
	if st := h.engine.Status(); st.Watcher != watcher.StateStopped {
		t.Errorf("watcher state = %v after going offline, want stopped", st.Watcher)
	}
	if err := h.engine.Save(context.Background(), todoPath, todotxt.Lines("a", "offline")); !IsDeferred(err) {
		t.Fatalf("Save() error = %v", err)
	}
	h.monitor.Set(true)

	waitFor(t, "pending changes to be pushed", func() bool { return !h.cache.HasPendingChanges() })
	h.flush(t)

	if f, _ := h.store.File(todoPath); f.Contents != "a\noffline\n" {
		t.Errorf("remote contents = %q", f.Contents)
	}
	if got := h.listener.changes(); len(got) != 1 || got[0] != "" {
		t.Errorf("listener changes = %q, want one reload", got)
	}
}

func TestRemoteChangeReloads(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "v1\n")
	h.store.QueuePoll(remotetest.PollStep{
		Result: remote.PollResult{Changed: true},
		Delay:  30 * time.Millisecond,
	})
	h.store.QueueChanges(remotetest.ChangeStep{
		Changes: []remote.Change{{Path: "/TODO.txt", Revision: "rev2"}},
	})

	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h.store.SetFile(todoPath, "v2\n")

	waitFor(t, "reload after remote change", func() bool { return len(h.listener.changes()) > 0 })
	h.flush(t)
	if rec := h.cache.Load(); rec.Contents != "v2\n" || rec.Revision != "rev2" {
		t.Errorf("cache = %+v, want v2", rec)
	}
}

func TestUnlinkedOnAuthError(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	h.store.FailNext("FetchFile", remote.NewError("fetch_file", todoPath, remote.KindAuth, nil))

	_, err := h.engine.Load(context.Background(), todoPath)
	if !errors.Is(err, ErrUnlinked) || !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Load() error = %v, want ErrUnlinked", err)
	}
	if st := h.engine.Status(); !st.Unlinked || st.Authenticated {
		t.Errorf("Status() = %+v, want unlinked", st)
	}
	if _, err := h.engine.Load(context.Background(), todoPath); !errors.Is(err, ErrUnlinked) {
		t.Errorf("second Load() error = %v, want ErrUnlinked", err)
	}

	if err := h.engine.Login(context.Background(), "fresh"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Errorf("Load() after login error = %v", err)
	}
}

func TestAppend(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	rev := h.store.SetFile(todoPath, "a")

	if err := h.engine.Append(context.Background(), todoPath, todotxt.Lines("b", "c")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	h.flush(t)

	f, _ := h.store.File(todoPath)
	if f.Contents != "a\nb\nc\n" {
		t.Errorf("remote contents = %q", f.Contents)
	}
	puts := h.store.CallsTo("PutFile")
	if len(puts) != 1 || puts[0].ExpectedRevision != rev {
		t.Errorf("PutFile calls = %+v, want one conditional on %s", puts, rev)
	}

	h.monitor.Set(false)
	if err := h.engine.Append(context.Background(), todoPath, todotxt.Lines("d")); !errors.Is(err, ErrOffline) {
		t.Errorf("offline Append() error = %v, want ErrOffline", err)
	}
}

// A renamed append moves the cache and the engine to the new file, as a
// renamed save does.
func TestAppendConflictRename(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	const renamed = "/todo (1).txt"
	h.store.RenameNextPut(renamed)
	if err := h.engine.Append(context.Background(), todoPath, todotxt.Lines("b")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	h.flush(t)

	f, ok := h.store.File(renamed)
	if !ok || f.Contents != "a\nb\n" {
		t.Fatalf("remote %s = %+v", renamed, f)
	}
	rec := h.cache.Load()
	if rec.Path != renamed || rec.Revision != f.Revision || rec.Contents != "a\nb\n" {
		t.Errorf("cache = %+v, want %s at %s", rec, renamed, f.Revision)
	}
	if st := h.engine.Status(); st.File != renamed {
		t.Errorf("Status().File = %q, want %q", st.File, renamed)
	}
	if got := h.listener.changes(); len(got) != 1 || got[0] != renamed {
		t.Errorf("listener changes = %q, want [%q]", got, renamed)
	}
	errs := h.listener.syncErrors()
	if len(errs) != 1 {
		t.Fatalf("sync errors = %v, want one conflict", errs)
	}
	if _, ok := IsConflict(errs[0]); !ok {
		t.Errorf("sync error = %v, want a conflict", errs[0])
	}
}

func TestSync(t *testing.T) {
	h := newHarness(t, false, time.Hour)
	if err := h.engine.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("offline Sync() error = %v, want ErrOffline", err)
	}

	h.monitor.Set(true)
	if err := h.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	h.flush(t)
	if got := h.listener.changes(); len(got) != 1 || got[0] != "" {
		t.Errorf("listener changes = %q, want one reload", got)
	}
}

// Once a file is loaded, Sync refetches it before telling the listener.
func TestSyncReloadsCurrentFile(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "v1\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rev := h.store.SetFile(todoPath, "v2\n")
	fetches := len(h.store.CallsTo("FetchFile"))

	if err := h.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	h.flush(t)

	if n := len(h.store.CallsTo("FetchFile")) - fetches; n != 1 {
		t.Errorf("Sync() fetched %d times, want 1", n)
	}
	if rec := h.cache.Load(); rec.Contents != "v2\n" || rec.Revision != rev {
		t.Errorf("cache = %+v, want v2", rec)
	}
	if got := h.listener.changes(); len(got) != 1 || got[0] != "" {
		t.Errorf("listener changes = %q, want one reload", got)
	}
	if res := h.engine.Cached(); len(res.Tasks) != 1 || res.Tasks[0].String() != "v2" {
		t.Errorf("Cached() tasks = %q", taskTexts(res.Tasks))
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h.engine.Pause()
	if st := h.engine.Status(); st.Watcher != watcher.StateStopped || !st.Paused {
		t.Fatalf("Status() after Pause = %+v", st)
	}

	h.engine.Resume()
	h.flush(t)
	if st := h.engine.Status(); st.Watcher == watcher.StateStopped || st.Paused {
		t.Errorf("Status() after Resume = %+v", st)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	h.store.SetFile(todoPath, "a\n")
	if _, err := h.engine.Load(context.Background(), todoPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := h.engine.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if rec := h.cache.Load(); !rec.Empty() {
		t.Errorf("cache = %+v after logout, want empty", rec)
	}
	if h.engine.Status().Watcher != watcher.StateStopped {
		t.Error("watcher still running after logout")
	}
	if _, err := h.engine.Load(context.Background(), todoPath); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Load() after logout error = %v, want ErrAuthRequired", err)
	}
}

func TestReadWriteFile(t *testing.T) {
	h := newHarness(t, true, time.Hour)

	if err := h.engine.WriteFile(context.Background(), "/done.txt", "x old\n"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := h.engine.ReadFile(context.Background(), "/done.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got != "x old\n" {
		t.Errorf("ReadFile() = %q", got)
	}
	if rec := h.cache.Load(); !rec.Empty() {
		t.Errorf("cache touched by WriteFile: %+v", rec)
	}

	if _, err := h.engine.ReadFile(context.Background(), "/missing.txt"); !IsTransient(err) {
		t.Errorf("ReadFile(missing) error = %v, want remote error", err)
	}
}

func TestClosedEngine(t *testing.T) {
	h := newHarness(t, true, time.Hour)
	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := h.engine.Load(context.Background(), todoPath); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close error = %v, want ErrClosed", err)
	}
	if err := h.engine.Save(context.Background(), todoPath, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Save() after Close error = %v, want ErrClosed", err)
	}
}
