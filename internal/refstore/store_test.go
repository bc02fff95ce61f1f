package refstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestIDFor(t *testing.T) {
	// sha256("")
	const empty = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := IDFor(nil); got != empty {
		t.Errorf("IDFor(nil) = %q, want %q", got, empty)
	}
	if !ValidID(empty) {
		t.Error("ValidID rejected a generated id")
	}
}

func TestParseID(t *testing.T) {
	valid := IDFor([]byte("x"))
	tests := []struct {
		id string
		ok bool
	}{
		{valid, true},
		{strings.ToUpper(valid[:7]) + valid[7:], false},
		{"sha256:" + strings.ToUpper(valid[7:]), true},
		{valid[7:], false},
		{"sha256:", false},
		{"sha256:abc", false},
		{"sha256:" + strings.Repeat("zz", 32), false},
		{"sha256:../../etc/passwd", false},
		{"md5:" + valid[7:], false},
	}
	for _, tt := range tests {
		_, err := parseID(tt.id)
		if (err == nil) != tt.ok {
			t.Errorf("parseID(%q) err = %v, want ok=%v", tt.id, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Errorf("parseID(%q) err = %v, want ErrInvalidID", tt.id, err)
		}
	}
}

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "refs"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	data := []byte{0x7f, 'E', 'L', 'F', 0, 1, 2}
	id, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != IDFor(data) {
		t.Errorf("id = %q, want %q", id, IDFor(data))
	}

	again, err := s.Put(ctx, data)
	if err != nil || again != id {
		t.Errorf("second Put = %q, %v; want %q", again, err, id)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %x, want %x", got, data)
	}

	ok, err := s.Exists(ctx, id)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true", ok, err)
	}

	entries, _ := os.ReadDir(s.dir)
	if len(entries) != 1 {
		t.Errorf("store dir has %d entries, want 1 (no temp leftovers)", len(entries))
	}
}

func TestFileStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := IDFor([]byte("never stored"))

	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
	if ok, err := s.Exists(ctx, id); err != nil || ok {
		t.Errorf("Exists missing = %v, %v; want false, nil", ok, err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
	if _, err := s.Get(ctx, "sha256:nope"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Get invalid: err = %v, want ErrInvalidID", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Put(ctx, []byte("ref"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestFileStore_ConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("same bytes from many writers")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(ctx, data); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put: %v", err)
	}

	got, err := s.Get(ctx, IDFor(data))
	if err != nil || string(got) != string(data) {
		t.Errorf("Get = %q, %v", got, err)
	}
}
