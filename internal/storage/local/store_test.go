package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/duckmesh/tablesource/internal/storage"
)

func TestPutGetStatDelete(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	info, err := store.Put(ctx, "/exports/a/part-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Key != "exports/a/part-1.parquet" || info.Size != 3 {
		t.Fatalf("Put() info = %#v", info)
	}

	reader, err := store.Get(ctx, "exports/a/part-1.parquet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(reader)
	_ = reader.Close()
	if string(body) != "abc" {
		t.Fatalf("Get() body = %q", body)
	}

	stat, err := store.Stat(ctx, "exports/a/part-1.parquet")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Size != 3 {
		t.Fatalf("Stat() size = %d", stat.Size)
	}

	if err := store.Delete(ctx, "exports/a/part-1.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "exports/a/part-1.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrObjectNotFound", err)
	}
	if err := store.Delete(ctx, "exports/a/part-1.parquet"); err != nil {
		t.Fatalf("Delete() missing error = %v", err)
	}
}

func TestListReturnsSortedImmediateChildren(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "db", "sales"))
	mustMkdir(t, filepath.Join(root, "db", "hr"))
	mustWrite(t, filepath.Join(root, "db", "readme.txt"), "x")
	mustWrite(t, filepath.Join(root, "db", ".hidden"), "x")
	mustWrite(t, filepath.Join(root, "db", "sales", "orders.json"), "[]")

	store, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	entries, err := store.List(context.Background(), "db")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []storage.Entry{{Name: "hr", Dir: true}, {Name: "readme.txt"}, {Name: "sales", Dir: true}}
	if len(entries) != len(want) {
		t.Fatalf("List() = %#v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("List()[%d] = %#v, want %#v", i, entries[i], want[i])
		}
	}
}

func TestListMissingPrefix(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "file.json"), "[]")
	store, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.List(context.Background(), "missing"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("List(missing) error = %v, want ErrObjectNotFound", err)
	}
	if _, err := store.List(context.Background(), "file.json"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("List(file) error = %v, want ErrObjectNotFound", err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "../etc/passwd"); err == nil || errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want validation error", err)
	}
}

func TestHealthCheck(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	missing, err := New(filepath.Join(root, "missing"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := missing.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck() expected error for missing root")
	}
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
}

func mustWrite(t *testing.T, name, body string) {
	t.Helper()
	if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
