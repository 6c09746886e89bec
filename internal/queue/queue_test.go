package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()

	q := New(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func waitQueue(t *testing.T, q *Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestSubmitRunsInOrder(t *testing.T) {
	q := setupQueue(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		if err := q.Submit("append", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	waitQueue(t, q)

	if len(got) != 100 {
		t.Fatalf("ran %d operations, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("operation %d ran at position %d", v, i)
		}
	}
}

func TestOperationsNeverOverlap(t *testing.T) {
	q := setupQueue(t)

	var active, maxActive int32
	var submitters sync.WaitGroup
	for g := 0; g < 8; g++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for i := 0; i < 20; i++ {
				_ = q.Submit("work", func() {
					n := atomic.AddInt32(&active, 1)
					for {
						m := atomic.LoadInt32(&maxActive)
						if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					atomic.AddInt32(&active, -1)
				})
			}
		}()
	}
	submitters.Wait()
	waitQueue(t, q)

	if maxActive != 1 {
		t.Errorf("max concurrent operations = %d, want 1", maxActive)
	}
}

func TestSubmitDoesNotWaitForExecution(t *testing.T) {
	q := setupQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = q.Submit("blocker", func() {
		close(started)
		<-release
	})
	<-started

	returned := make(chan struct{})
	go func() {
		_ = q.Submit("second", func() {})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked while the worker was busy")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	close(release)
	waitQueue(t, q)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := setupQueue(t)

	_ = q.Submit("boom", func() { panic("boom") })

	ran := make(chan struct{})
	_ = q.Submit("after", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("operation after a panic never ran")
	}
}

func TestDoReturnsAfterPanic(t *testing.T) {
	q := setupQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Do(ctx, "boom", func() { panic("boom") }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	q := setupQueue(t)

	release := make(chan struct{})
	_ = q.Submit("blocker", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	err := q.Do(ctx, "late", func() { ran.Store(true) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want deadline exceeded", err)
	}

	close(release)
	waitQueue(t, q)
	if !ran.Load() {
		t.Error("abandoned operation was dropped instead of executed")
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	q := New(nil)

	var count int32
	for i := 0; i < 10; i++ {
		_ = q.Submit("count", func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&count, 1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if count != 10 {
		t.Errorf("drained %d operations, want 10", count)
	}
	if err := q.Submit("late", func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close error = %v, want ErrClosed", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCloseWithoutStart(t *testing.T) {
	q := New(nil)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close() on idle queue error = %v", err)
	}
}

func TestSubmitNil(t *testing.T) {
	q := setupQueue(t)
	if err := q.Submit("nil", nil); err == nil {
		t.Error("Submit(nil) should fail")
	}
}
