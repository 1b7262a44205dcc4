package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/drivefs/drivefs/internal/api"
)

// ErrNotFound is returned when a path or node id does not resolve in
// the cache.
var ErrNotFound = errors.New("cache: node not found")

// maxTreeDepth bounds recursive child enumeration. The edge table does
// not forbid cycles, so every recursive walk must carry a depth limit.
const maxTreeDepth = 32

// schema holds the persisted layout: one record table per node variant,
// keyed by the remote's opaque id, and one parent/child edge table.
// Edge re-insertion is idempotent (INSERT OR IGNORE), which lets the
// reconciler link children before their parents have committed.
const schema = `
	CREATE TABLE IF NOT EXISTS folders (
		id          TEXT PRIMARY KEY,
		name        TEXT,
		created     INTEGER NOT NULL,
		modified    INTEGER NOT NULL,
		status      TEXT NOT NULL,
		description TEXT
	);
	CREATE TABLE IF NOT EXISTS files (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		created     INTEGER NOT NULL,
		modified    INTEGER NOT NULL,
		md5         TEXT,
		size        INTEGER NOT NULL,
		status      TEXT NOT NULL,
		description TEXT
	);
	CREATE TABLE IF NOT EXISTS parentage (
		parent TEXT NOT NULL,
		child  TEXT NOT NULL,
		PRIMARY KEY (parent, child)
	) WITHOUT ROWID;
	CREATE INDEX IF NOT EXISTS idx_parentage_child ON parentage(child);
	CREATE INDEX IF NOT EXISTS idx_folders_name ON folders(name);
	CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
`

// Config holds the parameters for opening a metadata store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist; the file is created on first open.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(NumCPU, 4).
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Store is the persistent metadata cache: node records, parent/child
// edges, and trash state for the mounted account. Every method opens a
// connection, runs a single short transaction, and returns; no call
// ever spans a network operation.
//
// Store is safe for concurrent use. SQLite's native locking serializes
// conflicting upserts for the same id; reads proceed concurrently under
// WAL mode.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates or opens the metadata database at cfg.Path and prepares
// the schema. The caller must Close the store when done; Close rolls
// back any transaction left open by an interrupted connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", cfg.Path, err)
	}

	store := &Store{pool: pool, logger: logger, path: cfg.Path}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: creating schema: %w", err)
	}

	logger.Info("metadata cache opened", "path", cfg.Path, "pool_size", poolSize)
	return store, nil
}

// prepareConnection applies the standard pragmas once per pooled
// connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the connection pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("cache: closing %s: %w", s.path, err)
	}
	s.logger.Info("metadata cache closed", "path", s.path)
	return nil
}

// RootID returns the id of the designated root folder: the single
// folder with no name. Returns ErrNotFound before the first sync.
func (s *Store) RootID(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("cache: root: %w", err)
	}
	defer s.pool.Put(conn)
	return rootID(conn)
}

func rootID(conn *sqlite.Conn) (string, error) {
	var id string
	err := sqlitex.Execute(conn, "SELECT id FROM folders WHERE name IS NULL", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("cache: root: %w", err)
	}
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

// GetNode returns the node with the given id, with its parent links
// populated. Returns ErrNotFound if the id is unknown.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: get node: %w", err)
	}
	defer s.pool.Put(conn)
	return getNode(conn, id)
}

func getNode(conn *sqlite.Conn, id string) (*Node, error) {
	var node *Node
	err := sqlitex.Execute(conn,
		"SELECT id, name, created, modified, md5, size, status, description FROM files WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				node = scanFile(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: get file %s: %w", id, err)
	}
	if node == nil {
		err = sqlitex.Execute(conn,
			"SELECT id, name, created, modified, status, description FROM folders WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					node = scanFolder(stmt)
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("cache: get folder %s: %w", id, err)
		}
	}
	if node == nil {
		return nil, ErrNotFound
	}
	if err := loadParents(conn, node); err != nil {
		return nil, err
	}
	return node, nil
}

func loadParents(conn *sqlite.Conn, node *Node) error {
	err := sqlitex.Execute(conn, "SELECT parent FROM parentage WHERE child = ?", &sqlitex.ExecOptions{
		Args: []any{node.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			node.Parents = append(node.Parents, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cache: parents of %s: %w", node.ID, err)
	}
	return nil
}

func scanFile(stmt *sqlite.Stmt) *Node {
	return &Node{
		ID:          stmt.ColumnText(0),
		Kind:        api.KindFile,
		Name:        stmt.ColumnText(1),
		Created:     time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		Modified:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
		MD5:         stmt.ColumnText(4),
		Size:        stmt.ColumnInt64(5),
		Status:      api.NodeStatus(stmt.ColumnText(6)),
		Description: stmt.ColumnText(7),
	}
}

func scanFolder(stmt *sqlite.Stmt) *Node {
	return &Node{
		ID:          stmt.ColumnText(0),
		Kind:        api.KindFolder,
		Name:        stmt.ColumnText(1),
		Created:     time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		Modified:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
		Status:      api.NodeStatus(stmt.ColumnText(4)),
		Description: stmt.ColumnText(5),
	}
}

// ResolvePath walks the tree from the root, matching child names
// case-sensitively segment by segment. When includeTrash is false, a
// trashed node at any segment makes the path unresolvable. Returns
// ErrNotFound if any segment fails to match.
func (s *Store) ResolvePath(ctx context.Context, path string, includeTrash bool) (*Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve: %w", err)
	}
	defer s.pool.Put(conn)

	id, err := rootID(conn)
	if err != nil {
		return nil, err
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return getNode(conn, id)
	}

	for i, segment := range segments {
		child, err := childByName(conn, id, segment, includeTrash)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, ErrNotFound
		}
		if i == len(segments)-1 {
			if err := loadParents(conn, child); err != nil {
				return nil, err
			}
			return child, nil
		}
		// Intermediate segments must be folders.
		if !child.IsFolder() {
			return nil, ErrNotFound
		}
		id = child.ID
	}
	return nil, ErrNotFound
}

func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// childByName finds a direct child of parentID with the given name.
// Folders shadow files with the same name. Returns nil when no child
// matches.
func childByName(conn *sqlite.Conn, parentID, name string, includeTrash bool) (*Node, error) {
	statusFilter := " AND n.status != 'TRASH'"
	if includeTrash {
		statusFilter = ""
	}

	var node *Node
	query := "SELECT n.id, n.name, n.created, n.modified, n.status, n.description " +
		"FROM folders n JOIN parentage p ON p.child = n.id " +
		"WHERE p.parent = ? AND n.name = ?" + statusFilter
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{parentID, name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			node = scanFolder(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: child lookup: %w", err)
	}
	if node != nil {
		return node, nil
	}

	query = "SELECT n.id, n.name, n.created, n.modified, n.md5, n.size, n.status, n.description " +
		"FROM files n JOIN parentage p ON p.child = n.id " +
		"WHERE p.parent = ? AND n.name = ?" + statusFilter
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{parentID, name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			node = scanFile(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: child lookup: %w", err)
	}
	return node, nil
}

// ChildNames returns the names of the available (non-trashed) children
// of a folder.
func (s *Store) ChildNames(ctx context.Context, folderID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: children: %w", err)
	}
	defer s.pool.Put(conn)
	return childNames(conn, folderID)
}

func childNames(conn *sqlite.Conn, folderID string) ([]string, error) {
	var names []string
	collect := func(stmt *sqlite.Stmt) error {
		names = append(names, stmt.ColumnText(0))
		return nil
	}
	err := sqlitex.Execute(conn,
		"SELECT n.name FROM folders n JOIN parentage p ON p.child = n.id "+
			"WHERE p.parent = ? AND n.status != 'TRASH' AND n.name IS NOT NULL",
		&sqlitex.ExecOptions{Args: []any{folderID}, ResultFunc: collect})
	if err != nil {
		return nil, fmt.Errorf("cache: folder children of %s: %w", folderID, err)
	}
	err = sqlitex.Execute(conn,
		"SELECT n.name FROM files n JOIN parentage p ON p.child = n.id "+
			"WHERE p.parent = ? AND n.status != 'TRASH'",
		&sqlitex.ExecOptions{Args: []any{folderID}, ResultFunc: collect})
	if err != nil {
		return nil, fmt.Errorf("cache: file children of %s: %w", folderID, err)
	}
	return names, nil
}

// ChildPaths returns the slash-joined relative paths of every available
// node below folderID, depth-first. Traversal depth is capped so that a
// cycle in the edge set terminates instead of recursing forever; paths
// beyond the cap are silently omitted.
func (s *Store) ChildPaths(ctx context.Context, folderID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: child paths: %w", err)
	}
	defer s.pool.Put(conn)

	var paths []string
	var walk func(id, prefix string, depth int) error
	walk = func(id, prefix string, depth int) error {
		if depth >= maxTreeDepth {
			return nil
		}
		names, err := childNames(conn, id)
		if err != nil {
			return err
		}
		for _, name := range names {
			child, err := childByName(conn, id, name, false)
			if err != nil {
				return err
			}
			if child == nil {
				continue
			}
			path := prefix + name
			paths = append(paths, path)
			if child.IsFolder() {
				if err := walk(child.ID, path+"/", depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(folderID, "", 0); err != nil {
		return nil, err
	}
	return paths, nil
}

// NumChildren returns the number of child edges under a folder. Used
// for directory hard-link counts; O(children), so gated behind a config
// flag at the filesystem layer.
func (s *Store) NumChildren(ctx context.Context, folderID string) (int64, error) {
	return s.countEdges(ctx, "SELECT COUNT(*) FROM parentage WHERE parent = ?", folderID)
}

// NumParents returns the number of parent edges above a node. Used for
// file hard-link counts.
func (s *Store) NumParents(ctx context.Context, nodeID string) (int64, error) {
	return s.countEdges(ctx, "SELECT COUNT(*) FROM parentage WHERE child = ?", nodeID)
}

func (s *Store) countEdges(ctx context.Context, query, id string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return count, nil
}

// UsageBytes returns the summed size of all non-trashed file nodes,
// used for free-space estimation in statfs.
func (s *Store) UsageBytes(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: usage: %w", err)
	}
	defer s.pool.Put(conn)

	var usage int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(SUM(size), 0) FROM files WHERE status != 'TRASH'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				usage = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("cache: usage: %w", err)
	}
	return usage, nil
}

// UpsertNode replaces any existing record with the same id and re-links
// its parent edges, all inside one transaction. A failure rolls the
// whole change back, leaving the prior record intact.
func (s *Store) UpsertNode(ctx context.Context, node *Node) (err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return fmt.Errorf("cache: upsert: %w", takeErr)
	}
	defer s.pool.Put(conn)

	end, beginErr := sqlitex.ImmediateTransaction(conn)
	if beginErr != nil {
		return fmt.Errorf("cache: upsert %s: %w", node.ID, beginErr)
	}
	defer end(&err)

	if err = upsertNode(conn, node); err != nil {
		return fmt.Errorf("cache: upsert %s: %w", node.ID, err)
	}
	return nil
}

// UpsertRemote stores the metadata returned by a mutating remote call.
// This is the single-node partial sync that keeps the cache consistent
// after create, rename, move, trash, restore, and write completion.
func (s *Store) UpsertRemote(ctx context.Context, info api.NodeInfo) error {
	return s.UpsertNode(ctx, nodeFromInfo(info))
}

// upsertNode is delete-then-insert within the caller's transaction.
func upsertNode(conn *sqlite.Conn, node *Node) error {
	for _, query := range []string{
		"DELETE FROM files WHERE id = ?",
		"DELETE FROM folders WHERE id = ?",
		"DELETE FROM parentage WHERE child = ?",
	} {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{node.ID}}); err != nil {
			return err
		}
	}

	if err := insertNode(conn, node); err != nil {
		return err
	}
	return linkParents(conn, node.ID, node.Parents)
}

func insertNode(conn *sqlite.Conn, node *Node) error {
	switch node.Kind {
	case api.KindFile:
		return sqlitex.Execute(conn,
			"INSERT INTO files (id, name, created, modified, md5, size, status, description) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{
				node.ID, node.Name,
				node.Created.UnixNano(), node.Modified.UnixNano(),
				node.MD5, node.Size, string(node.Status), node.Description,
			}})
	case api.KindFolder:
		// The root folder is the only folder without a name; it is
		// stored as NULL so that name matching can never select it.
		var name any
		if node.Name != "" {
			name = node.Name
		}
		return sqlitex.Execute(conn,
			"INSERT INTO folders (id, name, created, modified, status, description) VALUES (?, ?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{
				node.ID, name,
				node.Created.UnixNano(), node.Modified.UnixNano(),
				string(node.Status), node.Description,
			}})
	default:
		return fmt.Errorf("unknown node kind %q", node.Kind)
	}
}

func linkParents(conn *sqlite.Conn, childID string, parents []string) error {
	for _, parent := range parents {
		err := sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO parentage (parent, child) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{parent, childID}})
		if err != nil {
			return err
		}
	}
	return nil
}
