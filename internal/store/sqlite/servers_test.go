package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

func TestSQLiteServerStoreUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteServerStore(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rec := store.ServerRecord{ProjectPath: "/code/a", Port: 4100, URL: "http://127.0.0.1:4100", Status: "starting"}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Status = "running"
	rec.PID = 99
	rec.LastHealthCheck = "2026-03-04T05:06:07.123Z"
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0] != rec {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := s.Delete(ctx, "/code/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "/code/a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
