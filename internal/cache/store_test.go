package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/drivefs/drivefs/internal/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "nodes.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustUpsert(t *testing.T, store *Store, info api.NodeInfo) {
	t.Helper()
	if err := store.UpsertRemote(context.Background(), info); err != nil {
		t.Fatalf("upserting %s: %v", info.ID, err)
	}
}

func rootInfo() api.NodeInfo {
	now := time.Now().UTC()
	return api.NodeInfo{
		ID:       "root",
		Kind:     api.KindFolder,
		Created:  now,
		Modified: now,
		Status:   api.StatusAvailable,
	}
}

func folderInfo(id, name string, parents ...string) api.NodeInfo {
	now := time.Now().UTC()
	return api.NodeInfo{
		ID:       id,
		Kind:     api.KindFolder,
		Name:     name,
		Created:  now,
		Modified: now,
		Status:   api.StatusAvailable,
		Parents:  parents,
	}
}

func fileInfo(id, name string, size int64, parents ...string) api.NodeInfo {
	now := time.Now().UTC()
	return api.NodeInfo{
		ID:       id,
		Kind:     api.KindFile,
		Name:     name,
		Created:  now,
		Modified: now,
		Status:   api.StatusAvailable,
		MD5:      "abc",
		Size:     size,
		Parents:  parents,
	}
}

func TestRootID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RootID(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}

	mustUpsert(t, store, rootInfo())
	id, err := store.RootID(ctx)
	if err != nil {
		t.Fatalf("root lookup: %v", err)
	}
	if id != "root" {
		t.Errorf("expected root id %q, got %q", "root", id)
	}
}

func TestResolvePathRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, folderInfo("F1", "docs", "root"))
	mustUpsert(t, store, fileInfo("X1", "a.txt", 10, "F1"))

	node, err := store.ResolvePath(ctx, "/docs/a.txt", false)
	if err != nil {
		t.Fatalf("resolving /docs/a.txt: %v", err)
	}
	if node.ID != "X1" {
		t.Errorf("expected X1, got %s", node.ID)
	}
	if !node.IsFile() || node.MD5 != "abc" || node.Size != 10 {
		t.Errorf("unexpected node fields: %+v", node)
	}

	names, err := store.ChildNames(ctx, "F1")
	if err != nil {
		t.Fatalf("listing children: %v", err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("expected [a.txt], got %v", names)
	}

	// Trash the file: invisible on a plain resolve, reachable with
	// trash included.
	trashed := fileInfo("X1", "a.txt", 10, "F1")
	trashed.Status = api.StatusTrash
	mustUpsert(t, store, trashed)

	if _, err := store.ResolvePath(ctx, "/docs/a.txt", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for trashed file, got %v", err)
	}
	node, err = store.ResolvePath(ctx, "/docs/a.txt", true)
	if err != nil {
		t.Fatalf("resolving trashed file: %v", err)
	}
	if node.ID != "X1" {
		t.Errorf("expected X1 with trash included, got %s", node.ID)
	}
}

func TestResolvePathErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, fileInfo("X1", "a.txt", 10, "root"))

	tests := []struct {
		name string
		path string
	}{
		{"missing node", "/nope"},
		{"file as intermediate", "/a.txt/child"},
		{"missing nested", "/a.txt.d/child"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.ResolvePath(ctx, tt.path, false); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for %s, got %v", tt.path, err)
			}
		})
	}

	root, err := store.ResolvePath(ctx, "/", false)
	if err != nil {
		t.Fatalf("resolving root: %v", err)
	}
	if !root.IsFolder() || root.ID != "root" {
		t.Errorf("unexpected root node: %+v", root)
	}
}

func TestUpsertReplacesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, folderInfo("F1", "docs", "root"))
	mustUpsert(t, store, folderInfo("F2", "sub", "root"))
	mustUpsert(t, store, fileInfo("X1", "a.txt", 10, "F1"))

	// Rename and reparent in one upsert.
	moved := fileInfo("X1", "b.txt", 24, "F2")
	mustUpsert(t, store, moved)

	if _, err := store.ResolvePath(ctx, "/docs/a.txt", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("old path still resolves: %v", err)
	}
	node, err := store.ResolvePath(ctx, "/sub/b.txt", false)
	if err != nil {
		t.Fatalf("resolving new path: %v", err)
	}
	if node.ID != "X1" || node.Size != 24 {
		t.Errorf("unexpected node after upsert: %+v", node)
	}

	parents, err := store.NumParents(ctx, "X1")
	if err != nil {
		t.Fatalf("counting parents: %v", err)
	}
	if parents != 1 {
		t.Errorf("expected 1 parent after reparent, got %d", parents)
	}
}

func TestCountsAndUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, folderInfo("F1", "docs", "root"))
	mustUpsert(t, store, fileInfo("X1", "a.txt", 100, "F1"))
	mustUpsert(t, store, fileInfo("X2", "b.txt", 50, "F1"))

	trashed := fileInfo("X3", "c.txt", 1000, "F1")
	trashed.Status = api.StatusTrash
	mustUpsert(t, store, trashed)

	children, err := store.NumChildren(ctx, "F1")
	if err != nil {
		t.Fatalf("counting children: %v", err)
	}
	if children != 3 {
		t.Errorf("expected 3 child edges, got %d", children)
	}

	usage, err := store.UsageBytes(ctx)
	if err != nil {
		t.Fatalf("computing usage: %v", err)
	}
	if usage != 150 {
		t.Errorf("expected usage 150 (trashed excluded), got %d", usage)
	}
}

func TestChildPathsCycleDefense(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, folderInfo("A", "a", "root"))
	mustUpsert(t, store, folderInfo("B", "b", "A"))
	mustUpsert(t, store, fileInfo("X1", "deep.txt", 1, "B"))

	paths, err := store.ChildPaths(ctx, "root")
	if err != nil {
		t.Fatalf("listing paths: %v", err)
	}
	want := map[string]bool{"a": false, "a/b": false, "a/b/deep.txt": false}
	for _, p := range paths {
		if _, ok := want[p]; !ok {
			t.Errorf("unexpected path %q", p)
			continue
		}
		want[p] = true
	}
	for p, seen := range want {
		if !seen {
			t.Errorf("missing path %q", p)
		}
	}

	// A parentage cycle must not hang the recursive listing; the
	// depth cap cuts it off.
	mustUpsert(t, store, folderInfo("A", "a", "root", "B"))
	if _, err := store.ChildPaths(ctx, "root"); err != nil {
		t.Fatalf("cycle listing failed: %v", err)
	}
}

func TestGetNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, rootInfo())
	mustUpsert(t, store, fileInfo("X1", "a.txt", 10, "root"))

	node, err := store.GetNode(ctx, "X1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Name != "a.txt" || len(node.Parents) != 1 || node.Parents[0] != "root" {
		t.Errorf("unexpected node: %+v", node)
	}

	if _, err := store.GetNode(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
