package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLocalRoundTrip(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "sessions/abc/state.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := l.Get(ctx, "sessions/abc/state.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("Get = %q", got)
	}
}

func TestLocalEmptyContent(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "empty.txt", nil); err != nil {
		t.Fatalf("Put empty: %v", err)
	}
	got, err := l.Get(ctx, "empty.txt")
	if err != nil {
		t.Fatalf("Get empty: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get empty = %q, want empty", got)
	}
}

func TestLocalOverwrite(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	l.Put(ctx, "f", []byte("one"))
	if err := l.Put(ctx, "f", []byte("two")); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(ctx, "f")
	if string(got) != "two" {
		t.Errorf("Get after overwrite = %q", got)
	}
}

func TestLocalGetMissing(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestLocalTraversalConfined(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(l.root), "escape.txt")
	if err := l.Put(ctx, "../escape.txt", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(outside); err == nil {
		t.Error("traversal escaped the store root")
	}
	// The write must land inside the root.
	if _, err := os.Stat(filepath.Join(l.root, "escape.txt")); err != nil {
		t.Errorf("confined write missing: %v", err)
	}
}

func TestLocalList(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	l.Put(ctx, "s/a.txt", []byte("a"))
	l.Put(ctx, "s/b.txt", []byte("b"))
	l.Put(ctx, "s/sub/c.txt", []byte("c"))

	got, err := l.List(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"s/a.txt", "s/b.txt", "s/sub/"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestLocalListMissingPrefix(t *testing.T) {
	l := newTestLocal(t)
	got, err := l.List(context.Background(), "nothing/here")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List = %v, want empty", got)
	}
}

func TestLocalDelete(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	l.Put(ctx, "d/f.txt", []byte("x"))
	if err := l.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Get(ctx, "d/f.txt"); !errors.Is(err, ErrNotFound) {
		t.Error("object survived delete")
	}
	// Deleting again is a no-op.
	if err := l.Delete(ctx, "d"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalDeleteRootRefused(t *testing.T) {
	l := newTestLocal(t)
	if err := l.Delete(context.Background(), "."); err == nil {
		t.Error("deleting the store root should fail")
	}
}

// --- Remote backend ---

type objectServer struct {
	objects map[string][]byte
}

func newObjectServer() *objectServer {
	return &objectServer{objects: make(map[string][]byte)}
}

func (s *objectServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		names := []string{}
		for k := range s.objects {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				names = append(names, k)
			}
		}
		json.NewEncoder(w).Encode(names)
	})
	mux.HandleFunc("/objects/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/objects/"):]
		switch r.Method {
		case http.MethodGet:
			data, ok := s.objects[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			s.objects[key] = body
		case http.MethodDelete:
			if _, ok := s.objects[key]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(s.objects, key)
		}
	})
	return mux
}

func TestRemoteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newObjectServer().handler())
	defer srv.Close()

	r := NewRemote(srv.URL, nil, nil)
	ctx := context.Background()

	if err := r.Put(ctx, "a/b.txt", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Get(ctx, "a/b.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}

	names, err := r.List(ctx, "a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("List = %v", names)
	}

	if err := r.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, "a/b.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestRemoteDeleteMissingNoop(t *testing.T) {
	srv := httptest.NewServer(newObjectServer().handler())
	defer srv.Close()

	r := NewRemote(srv.URL, nil, nil)
	if err := r.Delete(context.Background(), "never/existed"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
}

func TestRemoteRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, nil, nil)
	got, err := r.Get(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "eventually" {
		t.Errorf("Get = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRemoteExhaustsRetrySchedule(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, nil, nil)
	_, err := r.Get(context.Background(), "down")

	var unavailable *StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want *StoreUnavailableError", err)
	}
	if unavailable.Attempts != remoteAttempts {
		t.Errorf("Attempts = %d, want %d", unavailable.Attempts, remoteAttempts)
	}
	if calls.Load() != remoteAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), remoteAttempts)
	}
}

func TestRemotePermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, nil, nil)
	_, err := r.Get(context.Background(), "denied")
	if err == nil {
		t.Fatal("expected error")
	}
	var unavailable *StoreUnavailableError
	if errors.As(err, &unavailable) {
		t.Error("4xx should not be wrapped as unavailable")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRemoteContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRemote(srv.URL, nil, nil)
	_, err := r.Get(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
