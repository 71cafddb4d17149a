package file

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

func TestFileServerStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "servers.json")

	s, err := NewFileServerStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := store.ServerRecord{
		ProjectPath: "/code/alpha",
		PID:         123,
		Port:        4100,
		URL:         "http://127.0.0.1:4100",
		Status:      "running",
		StartedAt:   "2026-01-02T03:04:05Z",
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileServerStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "/code/alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *got != rec {
		t.Fatalf("round trip mismatch: %+v != %+v", *got, rec)
	}

	if err := reopened.Delete(ctx, "/code/alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reopened.Get(ctx, "/code/alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reopened.Delete(ctx, "/code/alpha"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}

	list, _ := reopened.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}
