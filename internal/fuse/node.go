package fuse

import (
	"context"
	"path"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// driveNode is the single inode type of the mount. It carries no
// per-node state: every operation rebuilds the node's path from the
// inode tree and delegates to the dispatcher.
type driveNode struct {
	gofuse.Inode
	dispatcher *Dispatcher
}

var _ gofuse.InodeEmbedder = (*driveNode)(nil)
var _ gofuse.NodeLookuper = (*driveNode)(nil)
var _ gofuse.NodeReaddirer = (*driveNode)(nil)
var _ gofuse.NodeGetattrer = (*driveNode)(nil)
var _ gofuse.NodeSetattrer = (*driveNode)(nil)
var _ gofuse.NodeOpener = (*driveNode)(nil)
var _ gofuse.NodeCreater = (*driveNode)(nil)
var _ gofuse.NodeReader = (*driveNode)(nil)
var _ gofuse.NodeWriter = (*driveNode)(nil)
var _ gofuse.NodeFlusher = (*driveNode)(nil)
var _ gofuse.NodeReleaser = (*driveNode)(nil)
var _ gofuse.NodeMkdirer = (*driveNode)(nil)
var _ gofuse.NodeRmdirer = (*driveNode)(nil)
var _ gofuse.NodeUnlinker = (*driveNode)(nil)
var _ gofuse.NodeRenamer = (*driveNode)(nil)
var _ gofuse.NodeStatfser = (*driveNode)(nil)
var _ gofuse.NodeListxattrer = (*driveNode)(nil)
var _ gofuse.NodeGetxattrer = (*driveNode)(nil)

// fileHandle carries the dispatcher handle for an open file.
type fileHandle struct {
	id uint64
}

var _ gofuse.FileHandle = (*fileHandle)(nil)

func (n *driveNode) fullPath() string {
	return "/" + n.Path(nil)
}

func (n *driveNode) childPath(name string) string {
	return path.Join(n.fullPath(), name)
}

func fillAttr(out *fuse.Attr, attr Attr) {
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Size = uint64(attr.Size)
	atime, mtime, ctime := attr.Atime, attr.Mtime, attr.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

func (n *driveNode) newChild(ctx context.Context, attr Attr) *gofuse.Inode {
	return n.NewInode(ctx, &driveNode{dispatcher: n.dispatcher}, gofuse.StableAttr{
		Mode: attr.Mode & syscall.S_IFMT,
	})
}

func (n *driveNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, errno := n.dispatcher.Getattr(ctx, n.childPath(name))
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, attr)
	return n.newChild(ctx, attr), 0
}

func (n *driveNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names, errno := n.dispatcher.Readdir(ctx, n.fullPath())
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: name})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *driveNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, errno := n.dispatcher.Getattr(ctx, n.fullPath())
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr handles truncation; everything else (mode, owner, times) is
// accepted without effect so that tools touching them incidentally do
// not fail.
func (n *driveNode) Setattr(ctx context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if errno := n.dispatcher.Truncate(ctx, n.fullPath(), int64(size)); errno != 0 {
			return errno
		}
	}
	attr, errno := n.dispatcher.Getattr(ctx, n.fullPath())
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *driveNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	handle, errno := n.dispatcher.Open(ctx, n.fullPath(), flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{id: handle}, 0, 0
}

func (n *driveNode) Create(ctx context.Context, name string, _ uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	childPath := n.childPath(name)
	handle, errno := n.dispatcher.Create(ctx, childPath)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	attr, errno := n.dispatcher.Getattr(ctx, childPath)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(&out.Attr, attr)
	return n.newChild(ctx, attr), &fileHandle{id: handle}, 0, 0
}

func (n *driveNode) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := n.dispatcher.Read(ctx, n.fullPath(), off, int64(len(dest)))
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (n *driveNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	handle, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return n.dispatcher.Write(ctx, n.fullPath(), handle.id, off, data)
}

func (n *driveNode) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	handle, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	return n.dispatcher.Flush(ctx, handle.id)
}

func (n *driveNode) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	handle, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	return n.dispatcher.Release(ctx, n.fullPath(), handle.id)
}

func (n *driveNode) Mkdir(ctx context.Context, name string, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := n.childPath(name)
	if errno := n.dispatcher.Mkdir(ctx, childPath); errno != 0 {
		return nil, errno
	}
	attr, errno := n.dispatcher.Getattr(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, attr)
	return n.newChild(ctx, attr), 0
}

func (n *driveNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.dispatcher.Rmdir(ctx, n.childPath(name))
}

func (n *driveNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.dispatcher.Unlink(ctx, n.childPath(name))
}

func (n *driveNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	oldPath := n.childPath(name)
	newPath := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return n.dispatcher.Rename(ctx, oldPath, newPath)
}

func (n *driveNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info, errno := n.dispatcher.Statfs(ctx)
	if errno != 0 {
		return errno
	}
	out.Bsize = uint32(info.BlockSize)
	out.Frsize = uint32(info.BlockSize)
	out.Blocks = uint64(info.TotalBlocks)
	out.Bfree = uint64(info.FreeBlocks)
	out.Bavail = uint64(info.FreeBlocks)
	out.NameLen = uint32(info.NameMax)
	return 0
}

func (n *driveNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, errno := n.dispatcher.Listxattr(ctx, n.fullPath())
	if errno != 0 {
		return 0, errno
	}
	var needed int
	for _, name := range names {
		needed += len(name) + 1
	}
	if len(dest) < needed {
		return uint32(needed), syscall.ERANGE
	}
	pos := 0
	for _, name := range names {
		pos += copy(dest[pos:], name)
		dest[pos] = 0
		pos++
	}
	return uint32(needed), 0
}

func (n *driveNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, errno := n.dispatcher.Getxattr(ctx, n.fullPath(), attr)
	if errno != 0 {
		return 0, errno
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
