package gormstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "hookd.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_CRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	repo := s.Repository("orders")

	created, err := repo.Create(ctx, map[string]any{"item": "book", "qty": 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := storage.DocumentID(created)
	if id == "" {
		t.Fatal("created document has no id")
	}
	if _, err := repo.Create(ctx, map[string]any{"id": "o2", "item": "pen", "qty": 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rows, err := repo.Find(ctx, map[string]any{"item": "book"})
	if err != nil || len(rows) != 1 || rows[0]["qty"] != float64(2) {
		t.Fatalf("Find = %v, %v", rows, err)
	}
	rows, err = repo.Find(ctx, map[string]any{"id": id})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Find by id = %v, %v", rows, err)
	}
	rows, err = repo.Find(ctx, map[string]any{"id": "missing"})
	if err != nil || len(rows) != 0 {
		t.Fatalf("Find missing id = %v, %v", rows, err)
	}

	n, err := repo.Update(ctx, map[string]any{"item": "pen"}, map[string]any{"qty": 6})
	if err != nil || n != 1 {
		t.Fatalf("Update = %d, %v", n, err)
	}
	rows, _ = repo.Find(ctx, map[string]any{"id": "o2"})
	if len(rows) != 1 || rows[0]["qty"] != float64(6) {
		t.Errorf("after update = %v", rows)
	}

	n, err = repo.Delete(ctx, map[string]any{"item": "book"})
	if err != nil || n != 1 {
		t.Fatalf("Delete = %d, %v", n, err)
	}
	all, _ := repo.Find(ctx, nil)
	if len(all) != 1 || storage.DocumentID(all[0]) != "o2" {
		t.Errorf("remaining = %v", all)
	}
}

func TestSQLite_DuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Repository("users")
	if _, err := repo.Create(ctx, map[string]any{"id": "u1"}); err != nil {
		t.Fatal(err)
	}
	_, err := repo.Create(ctx, map[string]any{"id": "u1"})
	var se *sandbox.ScriptError
	if !errors.As(err, &se) || se.StatusCode != 409 {
		t.Errorf("duplicate create: err = %v, want 409", err)
	}
}

func TestSQLite_CollectionsAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Repository("a").Create(ctx, map[string]any{"id": "same"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Repository("b").Create(ctx, map[string]any{"id": "same"}); err != nil {
		t.Fatalf("same id in another collection: %v", err)
	}
	n, err := s.Repository("a").Delete(ctx, nil)
	if err != nil || n != 1 {
		t.Fatalf("Delete = %d, %v", n, err)
	}
	rows, _ := s.Repository("b").Find(ctx, nil)
	if len(rows) != 1 {
		t.Errorf("collection b = %v", rows)
	}
}

func TestSQLite_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "hookd.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := OpenSQLite(SQLiteConfig{Path: path}, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := s.Repository("kv").Create(ctx, map[string]any{"id": "k", "v": "1"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = OpenSQLite(SQLiteConfig{Path: path}, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	rows, _ := s.Repository("kv").Find(ctx, map[string]any{"id": "k"})
	if len(rows) != 1 || rows[0]["v"] != "1" {
		t.Errorf("after reopen = %v", rows)
	}
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(PostgresConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected an error without a DSN")
	}
}
