package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/drivefs/drivefs/internal/api"
)

func listing() (folders, files []api.NodeInfo) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	folders = []api.NodeInfo{
		{ID: "root", Kind: api.KindFolder, Created: created, Modified: created, Status: api.StatusAvailable},
		{ID: "F1", Kind: api.KindFolder, Name: "docs", Created: created, Modified: created, Status: api.StatusAvailable, Parents: []string{"root"}},
	}
	files = []api.NodeInfo{
		{ID: "X1", Kind: api.KindFile, Name: "a.txt", Created: created, Modified: created, Status: api.StatusAvailable, MD5: "abc", Size: 10, Parents: []string{"F1"}},
		{ID: "X2", Kind: api.KindFile, Name: "b.txt", Created: created, Modified: created, Status: api.StatusAvailable, MD5: "def", Size: 20, Parents: []string{"F1"}},
	}
	return folders, files
}

func TestReconcileIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folders, files := listing()

	first, err := store.ReconcileFolders(ctx, folders, false)
	if err != nil {
		t.Fatalf("first folder reconcile: %v", err)
	}
	if first.Inserted != 2 || first.Updated != 0 || first.Deleted != 0 {
		t.Errorf("unexpected first folder stats: %+v", first)
	}
	if _, err := store.ReconcileFiles(ctx, files, false); err != nil {
		t.Fatalf("first file reconcile: %v", err)
	}

	second, err := store.ReconcileFolders(ctx, folders, false)
	if err != nil {
		t.Fatalf("second folder reconcile: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Deleted != 0 {
		t.Errorf("second reconcile applied deltas: %+v", second)
	}
	if second.Duplicates != 2 {
		t.Errorf("expected 2 duplicates, got %d", second.Duplicates)
	}

	secondFiles, err := store.ReconcileFiles(ctx, files, false)
	if err != nil {
		t.Fatalf("second file reconcile: %v", err)
	}
	if secondFiles.Inserted != 0 || secondFiles.Updated != 0 || secondFiles.Deleted != 0 {
		t.Errorf("second file reconcile applied deltas: %+v", secondFiles)
	}
}

func TestReconcileDeletesAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folders, files := listing()

	if _, err := store.ReconcileFolders(ctx, folders, false); err != nil {
		t.Fatalf("folder reconcile: %v", err)
	}
	if _, err := store.ReconcileFiles(ctx, files, false); err != nil {
		t.Fatalf("file reconcile: %v", err)
	}

	// X2 disappears, X1 moves to trash but stays listed.
	trashed := files[0]
	trashed.Status = api.StatusTrash
	stats, err := store.ReconcileFiles(ctx, []api.NodeInfo{trashed}, false)
	if err != nil {
		t.Fatalf("delta reconcile: %v", err)
	}
	if stats.Updated != 1 {
		t.Errorf("expected trash transition to count as update, got %+v", stats)
	}
	if stats.Deleted != 1 {
		t.Errorf("expected X2 deleted, got %+v", stats)
	}

	if _, err := store.GetNode(ctx, "X2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("X2 still present: %v", err)
	}
	node, err := store.GetNode(ctx, "X1")
	if err != nil {
		t.Fatalf("X1 lookup: %v", err)
	}
	if !node.Trashed() {
		t.Errorf("X1 should be trashed, got status %s", node.Status)
	}
}

func TestReconcilePartialKeepsAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folders, files := listing()

	if _, err := store.ReconcileFolders(ctx, folders, false); err != nil {
		t.Fatalf("folder reconcile: %v", err)
	}
	if _, err := store.ReconcileFiles(ctx, files, false); err != nil {
		t.Fatalf("file reconcile: %v", err)
	}

	stats, err := store.ReconcileFiles(ctx, files[:1], true)
	if err != nil {
		t.Fatalf("partial reconcile: %v", err)
	}
	if stats.Deleted != 0 {
		t.Errorf("partial reconcile deleted records: %+v", stats)
	}
	if _, err := store.GetNode(ctx, "X2"); err != nil {
		t.Errorf("X2 lost by partial reconcile: %v", err)
	}
}

func TestReconcileFileMissingParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folders, _ := listing()

	if _, err := store.ReconcileFolders(ctx, folders, false); err != nil {
		t.Fatalf("folder reconcile: %v", err)
	}

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orphan := api.NodeInfo{
		ID: "X9", Kind: api.KindFile, Name: "lost.txt",
		Created: created, Modified: created,
		Status: api.StatusAvailable, MD5: "zzz", Size: 5,
		Parents: []string{"gone"},
	}
	stats, err := store.ReconcileFiles(ctx, []api.NodeInfo{orphan}, true)
	if err != nil {
		t.Fatalf("reconcile with missing parent: %v", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("orphan not inserted: %+v", stats)
	}

	// Stored, but parentless until a later sync delivers the folder.
	parents, err := store.NumParents(ctx, "X9")
	if err != nil {
		t.Fatalf("counting parents: %v", err)
	}
	if parents != 0 {
		t.Errorf("expected no parent edges, got %d", parents)
	}
}

func TestReconcileFoldersChildBeforeParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Child listed before its parent; the edge pass runs after all
	// record upserts, so order must not matter.
	folders := []api.NodeInfo{
		{ID: "F2", Kind: api.KindFolder, Name: "inner", Created: created, Modified: created, Status: api.StatusAvailable, Parents: []string{"F1"}},
		{ID: "F1", Kind: api.KindFolder, Name: "outer", Created: created, Modified: created, Status: api.StatusAvailable, Parents: []string{"root"}},
		{ID: "root", Kind: api.KindFolder, Created: created, Modified: created, Status: api.StatusAvailable},
	}
	if _, err := store.ReconcileFolders(ctx, folders, false); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	node, err := store.ResolvePath(ctx, "/outer/inner", false)
	if err != nil {
		t.Fatalf("resolving nested folder: %v", err)
	}
	if node.ID != "F2" {
		t.Errorf("expected F2, got %s", node.ID)
	}
}

// syncClient serves canned listings and counts calls.
type syncClient struct {
	api.Client
	folders map[api.NodeStatus][]api.NodeInfo
	files   map[api.NodeStatus][]api.NodeInfo
	calls   int
}

func (c *syncClient) ListFolders(_ context.Context, status api.NodeStatus) ([]api.NodeInfo, error) {
	c.calls++
	return c.folders[status], nil
}

func (c *syncClient) ListFiles(_ context.Context, status api.NodeStatus) ([]api.NodeInfo, error) {
	c.calls++
	return c.files[status], nil
}

func TestFullSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folders, files := listing()

	trashedFile := files[1]
	trashedFile.ID = "X3"
	trashedFile.Name = "old.txt"
	trashedFile.Status = api.StatusTrash

	client := &syncClient{
		folders: map[api.NodeStatus][]api.NodeInfo{api.StatusAvailable: folders},
		files: map[api.NodeStatus][]api.NodeInfo{
			api.StatusAvailable: files,
			api.StatusTrash:     {trashedFile},
		},
	}

	var observed bool
	syncer := &Syncer{
		Store:  store,
		Client: client,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observe: func(folderStats, fileStats SyncStats) {
			observed = true
			if folderStats.Inserted != 2 || fileStats.Inserted != 3 {
				t.Errorf("unexpected sync stats: %+v %+v", folderStats, fileStats)
			}
		},
	}
	if err := syncer.FullSync(ctx); err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if client.calls != 4 {
		t.Errorf("expected 4 listing calls, got %d", client.calls)
	}
	if !observed {
		t.Error("observer not invoked")
	}

	node, err := store.ResolvePath(ctx, "/docs/a.txt", false)
	if err != nil {
		t.Fatalf("resolving synced file: %v", err)
	}
	if node.ID != "X1" {
		t.Errorf("expected X1, got %s", node.ID)
	}
	trashed, err := store.GetNode(ctx, "X3")
	if err != nil {
		t.Fatalf("trashed node lookup: %v", err)
	}
	if !trashed.Trashed() {
		t.Errorf("X3 should be trashed, got %s", trashed.Status)
	}
}
