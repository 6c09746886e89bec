package remote

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"auth matches auth", NewError("fetch", "/a", KindAuth, nil), ErrAuth, true},
		{"auth does not match network", NewError("fetch", "/a", KindAuth, nil), ErrNetwork, false},
		{"wrapped not found", fmt.Errorf("load: %w", NewError("fetch", "/a", KindNotFound, nil)), ErrNotFound, true},
		{"cause is preserved", NewError("put", "/a", KindNetwork, context.Canceled), context.Canceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap("op", "", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	err := Wrap("poll", "", context.DeadlineExceeded)
	if kind, ok := KindOf(err); !ok || kind != KindTimeout {
		t.Errorf("deadline kind = %v, %v", kind, ok)
	}

	err = Wrap("poll", "", errors.New("connection reset"))
	if kind, _ := KindOf(err); kind != KindNetwork {
		t.Errorf("plain error kind = %v", kind)
	}

	orig := NewError("fetch", "/x", KindAuth, nil)
	if got := Wrap("other", "", orig); got != orig {
		t.Errorf("Wrap re-wrapped an *Error: %v", got)
	}
}

func TestClassifiers(t *testing.T) {
	if !IsAuth(NewError("x", "", KindAuth, nil)) {
		t.Error("IsAuth false for auth error")
	}
	if !IsNotFound(NewError("x", "", KindNotFound, nil)) {
		t.Error("IsNotFound false for not found error")
	}
	if IsTransient(NewError("x", "", KindAuth, nil)) {
		t.Error("auth error reported transient")
	}
	if !IsTransient(NewError("x", "", KindMalformed, nil)) {
		t.Error("malformed error not transient")
	}
	if !IsTransient(errors.New("raw")) {
		t.Error("unclassified error not transient")
	}
	if IsTransient(nil) {
		t.Error("nil reported transient")
	}
}

func TestSnapshotCursorRoundTrip(t *testing.T) {
	s := Snapshot{"/todo.txt": "r1", "/done.txt": "r2"}
	c, err := s.Cursor()
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	got, err := DecodeSnapshot(c)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("DecodeSnapshot() = %v, want %v", got, s)
	}

	if _, err := DecodeSnapshot("!!not-a-cursor"); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad cursor error = %v, want malformed", err)
	}
}

func TestSnapshotDiff(t *testing.T) {
	old := Snapshot{"/a": "1", "/b": "1", "/c": "1"}
	next := Snapshot{"/a": "1", "/b": "2", "/d": "1"}

	want := []Change{
		{Path: "/b", Revision: "2"},
		{Path: "/c", Deleted: true},
		{Path: "/d", Revision: "1"},
	}
	if got := old.Diff(next); !reflect.DeepEqual(got, want) {
		t.Errorf("Diff() = %+v, want %+v", got, want)
	}
	if got := next.Diff(next); len(got) != 0 {
		t.Errorf("Diff(self) = %+v, want none", got)
	}
}

func TestConflictPath(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"/todo.txt", 1, "/todo (1).txt"},
		{"/lists/todo.txt", 2, "/lists/todo (2).txt"},
		{"todo", 3, "todo (3)"},
	}
	for _, tt := range tests {
		if got := ConflictPath(tt.in, tt.n); got != tt.want {
			t.Errorf("ConflictPath(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
