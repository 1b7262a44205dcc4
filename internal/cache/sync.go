package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/drivefs/drivefs/internal/api"
)

// SyncStats summarizes the deltas a reconcile pass applied.
type SyncStats struct {
	Inserted   int
	Updated    int
	Duplicates int
	Deleted    int
}

func (st SyncStats) changed() bool {
	return st.Inserted > 0 || st.Updated > 0 || st.Deleted > 0
}

// ReconcileFolders merges a remote folder listing into the store. For
// each record: unknown id inserts, identical record is a no-op, changed
// record is replaced (delete-then-insert). When partial is false, local
// folders absent from the listing are deleted: a full listing includes
// trashed folders, so a trashed-but-listed folder is retained and only
// ids missing entirely are pruned. Parent edges are (re)inserted with
// INSERT OR IGNORE after all record upserts, so child-before-parent
// ordering in the listing is harmless.
//
// The whole batch runs in one transaction; any failure rolls back every
// delta of this call.
func (s *Store) ReconcileFolders(ctx context.Context, folders []api.NodeInfo, partial bool) (stats SyncStats, err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return stats, fmt.Errorf("cache: reconcile folders: %w", takeErr)
	}
	defer s.pool.Put(conn)

	end, beginErr := sqlitex.ImmediateTransaction(conn)
	if beginErr != nil {
		return stats, fmt.Errorf("cache: reconcile folders: %w", beginErr)
	}
	defer end(&err)

	for _, info := range folders {
		applied, applyErr := applyRecord(conn, info)
		if applyErr != nil {
			err = fmt.Errorf("cache: reconcile folder %s: %w", info.ID, applyErr)
			return stats, err
		}
		stats.bump(applied)
	}

	if !partial {
		deleted, pruneErr := pruneAbsent(conn, "folders", idSet(folders))
		if pruneErr != nil {
			err = fmt.Errorf("cache: reconcile folders: %w", pruneErr)
			return stats, err
		}
		stats.Deleted = deleted
	}

	// Edge pass after all folder records are in place.
	for _, info := range folders {
		if err = linkParents(conn, info.ID, info.Parents); err != nil {
			err = fmt.Errorf("cache: reconcile folder edges %s: %w", info.ID, err)
			return stats, err
		}
	}

	return stats, nil
}

// ReconcileFiles merges a remote file listing into the store, with the
// same delta semantics as ReconcileFolders. File parent links are made
// at insert time against already-known folders; a parent folder missing
// from the store is logged as a warning and skipped; the file is still
// stored, parentless.
func (s *Store) ReconcileFiles(ctx context.Context, files []api.NodeInfo, partial bool) (stats SyncStats, err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return stats, fmt.Errorf("cache: reconcile files: %w", takeErr)
	}
	defer s.pool.Put(conn)

	end, beginErr := sqlitex.ImmediateTransaction(conn)
	if beginErr != nil {
		return stats, fmt.Errorf("cache: reconcile files: %w", beginErr)
	}
	defer end(&err)

	for _, info := range files {
		applied, applyErr := applyRecord(conn, info)
		if applyErr != nil {
			err = fmt.Errorf("cache: reconcile file %s: %w", info.ID, applyErr)
			return stats, err
		}
		stats.bump(applied)

		for _, parent := range info.Parents {
			known, knownErr := folderExists(conn, parent)
			if knownErr != nil {
				err = fmt.Errorf("cache: reconcile file %s: %w", info.ID, knownErr)
				return stats, err
			}
			if !known {
				s.logger.Warn("parent folder not found", "file", info.Name, "parent", parent)
				continue
			}
			if err = linkParents(conn, info.ID, []string{parent}); err != nil {
				err = fmt.Errorf("cache: reconcile file edges %s: %w", info.ID, err)
				return stats, err
			}
		}
	}

	if !partial {
		deleted, pruneErr := pruneAbsent(conn, "files", idSet(files))
		if pruneErr != nil {
			err = fmt.Errorf("cache: reconcile files: %w", pruneErr)
			return stats, err
		}
		stats.Deleted = deleted
	}

	return stats, nil
}

type recordDelta int

const (
	deltaInserted recordDelta = iota
	deltaUpdated
	deltaDuplicate
)

func (st *SyncStats) bump(delta recordDelta) {
	switch delta {
	case deltaInserted:
		st.Inserted++
	case deltaUpdated:
		st.Updated++
	case deltaDuplicate:
		st.Duplicates++
	}
}

// applyRecord inserts or replaces a single record inside the caller's
// transaction. Identical records are left untouched.
func applyRecord(conn *sqlite.Conn, info api.NodeInfo) (recordDelta, error) {
	existing, err := recordByID(conn, info)
	if err != nil {
		return deltaDuplicate, err
	}

	if existing == nil {
		if err := insertNode(conn, nodeFromInfo(info)); err != nil {
			return deltaDuplicate, err
		}
		return deltaInserted, nil
	}

	if existing.equalInfo(info) {
		return deltaDuplicate, nil
	}

	table := "files"
	if info.Kind == api.KindFolder {
		table = "folders"
	}
	err = sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{info.ID}})
	if err != nil {
		return deltaDuplicate, err
	}
	if err := insertNode(conn, nodeFromInfo(info)); err != nil {
		return deltaDuplicate, err
	}
	return deltaUpdated, nil
}

func recordByID(conn *sqlite.Conn, info api.NodeInfo) (*Node, error) {
	var node *Node
	var query string
	var scan func(*sqlite.Stmt) *Node
	if info.Kind == api.KindFolder {
		query = "SELECT id, name, created, modified, status, description FROM folders WHERE id = ?"
		scan = scanFolder
	} else {
		query = "SELECT id, name, created, modified, md5, size, status, description FROM files WHERE id = ?"
		scan = scanFile
	}
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{info.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			node = scan(stmt)
			return nil
		},
	})
	return node, err
}

func folderExists(conn *sqlite.Conn, id string) (bool, error) {
	var found bool
	err := sqlitex.Execute(conn, "SELECT 1 FROM folders WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// pruneAbsent deletes records of the given table whose id is not in the
// remote set, along with their parent edges. Only a full listing may
// prune: absence from it means the node was permanently removed
// remotely (trash is still listed).
func pruneAbsent(conn *sqlite.Conn, table string, remote map[string]struct{}) (int, error) {
	var stale []string
	err := sqlitex.Execute(conn, "SELECT id FROM "+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id := stmt.ColumnText(0)
			if _, ok := remote[id]; !ok {
				stale = append(stale, id)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	for _, id := range stale {
		err := sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return 0, err
		}
		err = sqlitex.Execute(conn, "DELETE FROM parentage WHERE child = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func idSet(infos []api.NodeInfo) map[string]struct{} {
	set := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		set[info.ID] = struct{}{}
	}
	return set
}

// Syncer drives reconciliation against the remote listing endpoints.
type Syncer struct {
	Store  *Store
	Client api.Client
	Logger *slog.Logger

	// Observe, when set, receives the deltas of every completed full
	// sync.
	Observe func(folders, files SyncStats)
}

// FullSync fetches all four account listings (folders and files, both
// active and trashed) and reconciles them into the
// store with deletion of absent ids enabled. All four listings are
// fetched before any local mutation, so the reconcile is atomic from
// the cache's point of view even though it is built from several remote
// calls.
func (s *Syncer) FullSync(ctx context.Context) error {
	folders, err := s.fetchBothStatuses(ctx, s.Client.ListFolders)
	if err != nil {
		return fmt.Errorf("sync: listing folders: %w", err)
	}
	files, err := s.fetchBothStatuses(ctx, s.Client.ListFiles)
	if err != nil {
		return fmt.Errorf("sync: listing files: %w", err)
	}

	folderStats, err := s.Store.ReconcileFolders(ctx, folders, false)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fileStats, err := s.Store.ReconcileFiles(ctx, files, false)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if s.Observe != nil {
		s.Observe(folderStats, fileStats)
	}
	if folderStats.changed() || fileStats.changed() {
		s.Logger.Info("sync applied deltas",
			"folders_inserted", folderStats.Inserted,
			"folders_updated", folderStats.Updated,
			"folders_deleted", folderStats.Deleted,
			"files_inserted", fileStats.Inserted,
			"files_updated", fileStats.Updated,
			"files_deleted", fileStats.Deleted,
		)
	}
	return nil
}

func (s *Syncer) fetchBothStatuses(ctx context.Context, list func(context.Context, api.NodeStatus) ([]api.NodeInfo, error)) ([]api.NodeInfo, error) {
	active, err := list(ctx, api.StatusAvailable)
	if err != nil {
		return nil, err
	}
	trashed, err := list(ctx, api.StatusTrash)
	if err != nil {
		return nil, err
	}
	return append(active, trashed...), nil
}

// Run performs a full sync every interval until ctx is cancelled.
// Individual sync failures are logged and the loop continues; the
// filesystem keeps serving from the last good cache state.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FullSync(ctx); err != nil {
				s.Logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}
