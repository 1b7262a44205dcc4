// Package fuse exposes the cached drive as a POSIX filesystem. The
// Dispatcher implements the operation semantics against the cache
// store, the remote client, and the two proxies; the go-fuse node
// layer in this package is a thin shim over it. Keeping the semantics
// path-based and errno-returning makes them testable without a kernel
// mount.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/drivefs/drivefs/internal/api"
	"github.com/drivefs/drivefs/internal/cache"
	"github.com/drivefs/drivefs/internal/metrics"
	"github.com/drivefs/drivefs/internal/proxy"
)

// BlockSize is the block size reported by statfs. The remote has no
// real block granularity; 512 KiB keeps the block counts within range
// for large accounts.
const BlockSize = 512 * 1024

// Extended attribute names exposed on nodes. All read-only.
const (
	XattrID          = "drive.id"
	XattrDescription = "drive.description"
	XattrMD5         = "drive.md5"
)

// Attr is the stat-equivalent record getattr produces.
type Attr struct {
	Mode  uint32
	Nlink uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// StatfsInfo carries the filesystem-level statistics for statfs.
type StatfsInfo struct {
	BlockSize   int64
	TotalBlocks int64
	FreeBlocks  int64
	NameMax     int64
}

// Dispatcher maps POSIX calls onto the cache, the remote client, and
// the proxies. Every mutating operation follows the same shape: cache
// lookup, remote mutation, cache upsert. It is safe for concurrent
// use; no global lock serializes operations.
type Dispatcher struct {
	store   *cache.Store
	client  api.Client
	reads   *proxy.ReadProxy
	writes  *proxy.WriteProxy
	logger  *slog.Logger
	metrics *metrics.Collector

	// nlinks enables accurate link counts in getattr. Counting
	// children or parents is a full edge scan per call, so it is off
	// unless a tool actually needs it.
	nlinks bool

	// total is the account quota in bytes, fetched once at startup.
	total int64

	nextHandle atomic.Uint64
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Store   *cache.Store
	Client  api.Client
	Reads   *proxy.ReadProxy
	Writes  *proxy.WriteProxy
	Logger  *slog.Logger
	Metrics *metrics.Collector
	NLinks  bool
}

// NewDispatcher builds a dispatcher and fetches the account quota the
// statfs numbers derive from.
func NewDispatcher(ctx context.Context, cfg DispatcherConfig) (*Dispatcher, error) {
	total, err := cfg.Client.Quota(ctx)
	if err != nil {
		return nil, fmt.Errorf("fuse: fetching quota: %w", err)
	}
	d := &Dispatcher{
		store:   cfg.Store,
		client:  cfg.Client,
		reads:   cfg.Reads,
		writes:  cfg.Writes,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		nlinks:  cfg.NLinks,
		total:   total,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// resolve looks a path up in the cache, translating absence to ENOENT.
func (d *Dispatcher) resolve(ctx context.Context, p string, includeTrash bool) (*cache.Node, syscall.Errno) {
	node, err := d.store.ResolvePath(ctx, p, includeTrash)
	if err != nil {
		if errno := errnoFor(err); errno == syscall.ENOENT {
			return nil, syscall.ENOENT
		}
		d.logger.Error("path resolution failed", "path", p, "error", err)
		return nil, syscall.EIO
	}
	return node, 0
}

// upsert pushes the metadata a remote mutation returned into the
// cache. Failures are logged but not surfaced: the remote operation
// already succeeded and the next sync repairs the record.
func (d *Dispatcher) upsert(ctx context.Context, op string, info api.NodeInfo) {
	if err := d.store.UpsertRemote(ctx, info); err != nil {
		d.logger.Error("caching mutation result failed", "op", op, "node", info.ID, "error", err)
	}
}

func (d *Dispatcher) count(op string, errno syscall.Errno) syscall.Errno {
	if d.metrics != nil {
		d.metrics.RecordOperation(op, errno)
	}
	return errno
}

// Readdir returns the directory's entry names including the dot
// entries.
func (d *Dispatcher) Readdir(ctx context.Context, p string) ([]string, syscall.Errno) {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return nil, d.count("readdir", errno)
	}
	if !node.IsFolder() {
		return nil, d.count("readdir", syscall.ENOTDIR)
	}
	names, err := d.store.ChildNames(ctx, node.ID)
	if err != nil {
		d.logger.Error("listing children failed", "path", p, "error", err)
		return nil, d.count("readdir", syscall.EIO)
	}
	return append([]string{".", ".."}, names...), d.count("readdir", 0)
}

// Getattr synthesizes the stat fields for a path. Folders are 0777
// directories, files 0666 regular files; the remote has no permission
// model to report.
func (d *Dispatcher) Getattr(ctx context.Context, p string) (Attr, syscall.Errno) {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return Attr{}, d.count("getattr", errno)
	}

	attr := Attr{
		Nlink: 1,
		Atime: time.Now(),
		Mtime: node.Modified,
		Ctime: node.Created,
	}
	if node.IsFolder() {
		attr.Mode = syscall.S_IFDIR | 0o777
		if d.nlinks {
			n, err := d.store.NumChildren(ctx, node.ID)
			if err != nil {
				return Attr{}, d.count("getattr", syscall.EIO)
			}
			attr.Nlink = uint32(n)
		}
	} else {
		attr.Mode = syscall.S_IFREG | 0o666
		attr.Size = node.Size
		if d.nlinks {
			n, err := d.store.NumParents(ctx, node.ID)
			if err != nil {
				return Attr{}, d.count("getattr", syscall.EIO)
			}
			attr.Nlink = uint32(n)
		}
	}
	return attr, d.count("getattr", 0)
}

// Read returns up to length bytes at offset. Reads at or past end of
// content and reads of empty files short-circuit without touching the
// proxy.
func (d *Dispatcher) Read(ctx context.Context, p string, offset, length int64) ([]byte, syscall.Errno) {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return nil, d.count("read", errno)
	}
	if node.Size == 0 || offset >= node.Size {
		return nil, d.count("read", 0)
	}
	if offset+length > node.Size {
		length = node.Size - offset
	}

	data, err := d.reads.Read(ctx, node.ID, offset, length)
	if err != nil {
		return nil, d.count("read", errnoFor(err))
	}
	if d.metrics != nil {
		d.metrics.RecordBytesRead(len(data))
	}
	return data, d.count("read", 0)
}

// Write buffers data for the handle's upload stream and reports the
// full length as written. Real failures surface on flush or release,
// matching buffered-write semantics; only sequencing and backpressure
// errors fail the write itself.
func (d *Dispatcher) Write(ctx context.Context, p string, handle uint64, offset int64, data []byte) (uint32, syscall.Errno) {
	var nodeID string
	if offset == 0 {
		node, errno := d.resolve(ctx, p, false)
		if errno != 0 {
			return 0, d.count("write", errno)
		}
		nodeID = node.ID
	}

	if err := d.writes.Write(nodeID, handle, offset, data); err != nil {
		return 0, d.count("write", errnoFor(err))
	}
	if d.metrics != nil {
		d.metrics.RecordBytesWritten(len(data))
	}
	return uint32(len(data)), d.count("write", 0)
}

// Create makes an empty remote file under the path's parent and
// returns a fresh handle for it.
func (d *Dispatcher) Create(ctx context.Context, p string) (uint64, syscall.Errno) {
	parent, errno := d.parentFolder(ctx, p)
	if errno != 0 {
		return 0, d.count("create", errno)
	}

	info, err := d.client.CreateFile(ctx, path.Base(p), parent.ID)
	if err != nil {
		d.logger.Error("remote file creation failed", "path", p, "error", err)
		return 0, d.count("create", errnoFor(err))
	}
	d.upsert(ctx, "create", info)
	return d.newHandle(), d.count("create", 0)
}

// Open hands out a handle. Append mode is unsupported: the write
// stream always starts at offset zero.
func (d *Dispatcher) Open(ctx context.Context, p string, flags uint32) (uint64, syscall.Errno) {
	if flags&syscall.O_APPEND != 0 {
		return 0, d.count("open", syscall.EFAULT)
	}
	if _, errno := d.resolve(ctx, p, false); errno != 0 {
		return 0, d.count("open", errno)
	}
	return d.newHandle(), d.count("open", 0)
}

// Flush drains the handle's write queue if one exists.
func (d *Dispatcher) Flush(ctx context.Context, handle uint64) syscall.Errno {
	if err := d.writes.Flush(handle); err != nil {
		return d.count("flush", errnoFor(err))
	}
	return d.count("flush", 0)
}

// Release ends the path's read chunks and the handle's write stream,
// waiting for any in-flight upload to finish.
func (d *Dispatcher) Release(ctx context.Context, p string, handle uint64) syscall.Errno {
	if node, errno := d.resolve(ctx, p, false); errno == 0 {
		d.reads.Release(node.ID)
	}
	if err := d.writes.Release(handle); err != nil {
		return d.count("release", errnoFor(err))
	}
	return d.count("release", 0)
}

// Mkdir creates a remote folder under the path's parent.
func (d *Dispatcher) Mkdir(ctx context.Context, p string) syscall.Errno {
	parent, errno := d.parentFolder(ctx, p)
	if errno != 0 {
		return d.count("mkdir", errno)
	}

	info, err := d.client.CreateFolder(ctx, path.Base(p), parent.ID)
	if err != nil {
		d.logger.Error("remote folder creation failed", "path", p, "error", err)
		return d.count("mkdir", errnoFor(err))
	}
	d.upsert(ctx, "mkdir", info)
	return d.count("mkdir", 0)
}

// Rmdir moves the folder to the remote trash. Trash is the only
// delete path; nothing is removed permanently.
func (d *Dispatcher) Rmdir(ctx context.Context, p string) syscall.Errno {
	return d.count("rmdir", d.trash(ctx, p))
}

// Unlink moves the file to the remote trash.
func (d *Dispatcher) Unlink(ctx context.Context, p string) syscall.Errno {
	return d.count("unlink", d.trash(ctx, p))
}

func (d *Dispatcher) trash(ctx context.Context, p string) syscall.Errno {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return errno
	}
	info, err := d.client.Trash(ctx, node.ID)
	if err != nil {
		d.logger.Error("trashing failed", "path", p, "error", err)
		return errnoFor(err)
	}
	d.upsert(ctx, "trash", info)
	return 0
}

// Rename renames and/or moves a node. An existing file at the
// destination is trashed first; an existing folder refuses with
// EEXIST. A basename change renames, a directory change moves, and a
// cross-directory rename does both as two remote mutations.
func (d *Dispatcher) Rename(ctx context.Context, oldPath, newPath string) syscall.Errno {
	if oldPath == newPath {
		return d.count("rename", 0)
	}

	node, errno := d.resolve(ctx, oldPath, false)
	if errno != 0 {
		return d.count("rename", errno)
	}

	if existing, errno := d.resolve(ctx, newPath, false); errno == 0 {
		if existing.IsFolder() {
			return d.count("rename", syscall.EEXIST)
		}
		info, err := d.client.Trash(ctx, existing.ID)
		if err != nil {
			d.logger.Error("trashing rename target failed", "path", newPath, "error", err)
			return d.count("rename", errnoFor(err))
		}
		d.upsert(ctx, "rename", info)
	}

	oldBase, oldDir := path.Base(oldPath), path.Dir(oldPath)
	newBase, newDir := path.Base(newPath), path.Dir(newPath)

	if newBase != oldBase {
		info, err := d.client.Rename(ctx, node.ID, newBase)
		if err != nil {
			d.logger.Error("remote rename failed", "path", oldPath, "error", err)
			return d.count("rename", errnoFor(err))
		}
		d.upsert(ctx, "rename", info)
	}

	if newDir != oldDir {
		target, errno := d.resolve(ctx, newDir, false)
		if errno != 0 {
			return d.count("rename", syscall.ENOTDIR)
		}
		info, err := d.client.Move(ctx, node.ID, target.ID)
		if err != nil {
			d.logger.Error("remote move failed", "path", oldPath, "error", err)
			return d.count("rename", errnoFor(err))
		}
		d.upsert(ctx, "rename", info)
	}
	return d.count("rename", 0)
}

// Truncate supports exactly two cases: truncation to zero clears the
// remote content, truncation to the current size is a no-op. The
// remote cannot resize content to an arbitrary length without a real
// write.
func (d *Dispatcher) Truncate(ctx context.Context, p string, length int64) syscall.Errno {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return d.count("truncate", errno)
	}

	switch {
	case length == 0:
		info, err := d.client.ClearContent(ctx, node.ID)
		if err != nil {
			d.logger.Error("remote content clear failed", "path", p, "error", err)
			return d.count("truncate", errnoFor(err))
		}
		d.upsert(ctx, "truncate", info)
		return d.count("truncate", 0)
	case length == node.Size:
		return d.count("truncate", 0)
	default:
		return d.count("truncate", syscall.ENOSYS)
	}
}

// Statfs reports capacity from the account quota and free space as
// quota minus the cache's summed file sizes.
func (d *Dispatcher) Statfs(ctx context.Context) (StatfsInfo, syscall.Errno) {
	used, err := d.store.UsageBytes(ctx)
	if err != nil {
		d.logger.Error("computing cache usage failed", "error", err)
		return StatfsInfo{}, d.count("statfs", syscall.EIO)
	}
	free := d.total - used
	if free < 0 {
		free = 0
	}
	return StatfsInfo{
		BlockSize:   BlockSize,
		TotalBlocks: d.total / BlockSize,
		FreeBlocks:  free / BlockSize,
		NameMax:     256,
	}, d.count("statfs", 0)
}

// Listxattr names the node's extended attributes. Files carry the
// content hash in addition to the generic attributes.
func (d *Dispatcher) Listxattr(ctx context.Context, p string) ([]string, syscall.Errno) {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return nil, d.count("listxattr", errno)
	}
	names := []string{XattrID, XattrDescription}
	if node.IsFile() {
		names = append(names, XattrMD5)
	}
	return names, d.count("listxattr", 0)
}

// Getxattr returns the value of one extended attribute. Unknown names
// report no-data.
func (d *Dispatcher) Getxattr(ctx context.Context, p, name string) ([]byte, syscall.Errno) {
	node, errno := d.resolve(ctx, p, false)
	if errno != 0 {
		return nil, d.count("getxattr", errno)
	}

	switch name {
	case XattrID:
		return []byte(node.ID), d.count("getxattr", 0)
	case XattrDescription:
		return []byte(node.Description), d.count("getxattr", 0)
	case XattrMD5:
		if node.IsFile() {
			return []byte(node.MD5), d.count("getxattr", 0)
		}
	}
	return nil, d.count("getxattr", syscall.ENODATA)
}

// parentFolder resolves a path's parent directory for creation calls.
// A missing or non-folder parent is ENOTDIR.
func (d *Dispatcher) parentFolder(ctx context.Context, p string) (*cache.Node, syscall.Errno) {
	parent, err := d.store.ResolvePath(ctx, path.Dir(p), false)
	if err != nil {
		if errnoFor(err) == syscall.ENOENT {
			return nil, syscall.ENOTDIR
		}
		d.logger.Error("parent resolution failed", "path", p, "error", err)
		return nil, syscall.EIO
	}
	if !parent.IsFolder() {
		return nil, syscall.ENOTDIR
	}
	return parent, 0
}

func (d *Dispatcher) newHandle() uint64 {
	return d.nextHandle.Add(1)
}
