package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

// setupTestDB opens a database in a temporary directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "nested", "todosync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}

	db := setupTestDB(t)
	var mode string
	if err := db.RawDB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestKV(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.Get(ctx, "ns", "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := db.Put(ctx, "ns", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := db.Put(ctx, "ns", map[string]string{"a": "3"}); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	if err := db.Put(ctx, "other", map[string]string{"a": "x"}); err != nil {
		t.Fatalf("Put() other namespace error = %v", err)
	}

	v, ok, err := db.Get(ctx, "ns", "a")
	if err != nil || !ok || v != "3" {
		t.Errorf("Get(a) = %q, %v, %v; want 3", v, ok, err)
	}

	all, err := db.GetAll(ctx, "ns")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 2 || all["b"] != "2" {
		t.Errorf("GetAll() = %v", all)
	}

	if err := db.DeleteNamespace(ctx, "ns"); err != nil {
		t.Fatalf("DeleteNamespace() error = %v", err)
	}
	if all, _ := db.GetAll(ctx, "ns"); len(all) != 0 {
		t.Errorf("namespace not cleared: %v", all)
	}
	if v, ok, _ := db.Get(ctx, "other", "a"); !ok || v != "x" {
		t.Error("DeleteNamespace removed keys of another namespace")
	}
}

func TestLocalCacheEmpty(t *testing.T) {
	c := NewLocalCache(setupTestDB(t), nil)
	rec := c.Load()
	if !rec.Empty() || rec.PendingChanges {
		t.Errorf("Load() on fresh cache = %+v, want empty", rec)
	}
}

func TestLocalCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todosync.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	c := NewLocalCache(db, nil)
	c.Save("/todo.txt", "rev1", "taskX\n")
	c.SetPendingChanges(true)
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	got := NewLocalCache(db, nil).Load()
	want := Record{Path: "/todo.txt", Revision: "rev1", Contents: "taskX\n", PendingChanges: true}
	if got != want {
		t.Errorf("reloaded record = %+v, want %+v", got, want)
	}
}

func TestLocalCacheClear(t *testing.T) {
	db := setupTestDB(t)
	c := NewLocalCache(db, nil)
	c.Save("/todo.txt", "rev1", "a\n")
	c.SetPendingChanges(true)

	c.Clear()
	if rec := c.Load(); !rec.Empty() || rec.PendingChanges {
		t.Errorf("Load() after Clear = %+v", rec)
	}
	if rec := NewLocalCache(db, nil).Load(); !rec.Empty() {
		t.Errorf("Clear did not reach the database: %+v", rec)
	}
}

func TestLocalCacheSurvivesPersistFailure(t *testing.T) {
	db := setupTestDB(t)
	c := NewLocalCache(db, nil)
	_ = db.Close()

	c.Save("/todo.txt", "rev2", "still here\n")
	c.SetPendingChanges(true)

	rec := c.Load()
	if rec.Contents != "still here\n" || rec.Revision != "rev2" || !rec.PendingChanges {
		t.Errorf("in-memory state did not advance: %+v", rec)
	}
}

func TestLocalCacheMemoryOnly(t *testing.T) {
	c := NewLocalCache(nil, nil)
	c.Save("/a", "r", "c")
	if c.Revision() != "r" {
		t.Errorf("Revision() = %q", c.Revision())
	}
	c.Clear()
	if !c.Load().Empty() {
		t.Error("Clear on memory-only cache left data")
	}
}

func TestLocalCacheReadersSeeWholeRecords(t *testing.T) {
	c := NewLocalCache(nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				c.Save("/even", "even", "even")
			} else {
				c.Save("/odd", "odd", "odd")
			}
		}
	}()

	for i := 0; i < 500; i++ {
		rec := c.Load()
		if rec.Empty() {
			continue
		}
		if rec.Path != "/"+rec.Revision || rec.Contents != rec.Revision {
			t.Fatalf("torn record observed: %+v", rec)
		}
	}
	wg.Wait()
}
