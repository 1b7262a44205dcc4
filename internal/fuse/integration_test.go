package fuse

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefs/drivefs/internal/api"
	"github.com/drivefs/drivefs/internal/cache"
	"github.com/drivefs/drivefs/internal/proxy"
)

// TestDriveLifecycle walks a file through its full life against an
// in-memory remote: create, write, sync, read back, rename, trash.
// The cache starts empty and is populated purely by syncing, the way a
// fresh mount comes up.
func TestDriveLifecycle(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := cache.Open(cache.Config{
		Path:   filepath.Join(t.TempDir(), "nodes.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	drive := newFakeDrive()
	now := time.Now().UTC()
	drive.seed(api.NodeInfo{
		ID: "root", Kind: api.KindFolder,
		Created: now, Modified: now,
		Status: api.StatusAvailable,
	}, nil)

	syncer := &cache.Syncer{Store: store, Client: drive, Logger: logger}
	require.NoError(t, syncer.FullSync(ctx))

	d, err := NewDispatcher(ctx, DispatcherConfig{
		Store:  store,
		Client: drive,
		Reads:  proxy.NewReadProxy(drive, logger, proxy.ReadConfig{}),
		Writes: proxy.NewWriteProxy(drive, store, logger, proxy.WriteConfig{}),
		Logger: logger,
	})
	require.NoError(t, err)

	// A fresh account is an empty root.
	names, errno := d.Readdir(ctx, "/")
	require.EqualValues(t, 0, errno)
	assert.ElementsMatch(t, []string{".", ".."}, names)

	// Build /projects/notes.txt and fill it.
	require.EqualValues(t, 0, d.Mkdir(ctx, "/projects"))
	handle, errno := d.Create(ctx, "/projects/notes.txt")
	require.EqualValues(t, 0, errno)

	content := strings.Repeat("all work and no play makes a dull mount\n", 64)
	half := len(content) / 2
	_, errno = d.Write(ctx, "/projects/notes.txt", handle, 0, []byte(content[:half]))
	require.EqualValues(t, 0, errno)
	_, errno = d.Write(ctx, "/projects/notes.txt", handle, int64(half), []byte(content[half:]))
	require.EqualValues(t, 0, errno)
	require.EqualValues(t, 0, d.Flush(ctx, handle))
	require.EqualValues(t, 0, d.Release(ctx, "/projects/notes.txt", handle))

	// The upload's metadata is already cached; a full sync must agree
	// with it rather than fight it.
	require.NoError(t, syncer.FullSync(ctx))

	attr, errno := d.Getattr(ctx, "/projects/notes.txt")
	require.EqualValues(t, 0, errno)
	assert.EqualValues(t, len(content), attr.Size)

	// Read it back in two sequential chunks through the read proxy.
	first, errno := d.Read(ctx, "/projects/notes.txt", 0, int64(half))
	require.EqualValues(t, 0, errno)
	second, errno := d.Read(ctx, "/projects/notes.txt", int64(half), int64(len(content)))
	require.EqualValues(t, 0, errno)
	assert.Equal(t, content, string(first)+string(second))

	// Rename across directories, then trash everything.
	require.EqualValues(t, 0, d.Mkdir(ctx, "/archive"))
	require.EqualValues(t, 0, d.Rename(ctx, "/projects/notes.txt", "/archive/notes-2024.txt"))
	_, errno = d.Getattr(ctx, "/projects/notes.txt")
	assert.Equal(t, syscall.ENOENT, errno)
	_, errno = d.Getattr(ctx, "/archive/notes-2024.txt")
	assert.EqualValues(t, 0, errno)

	require.EqualValues(t, 0, d.Unlink(ctx, "/archive/notes-2024.txt"))
	require.EqualValues(t, 0, d.Rmdir(ctx, "/archive"))
	require.EqualValues(t, 0, d.Rmdir(ctx, "/projects"))

	names, errno = d.Readdir(ctx, "/")
	require.EqualValues(t, 0, errno)
	assert.ElementsMatch(t, []string{".", ".."}, names)

	// Trash is still listed remotely, so another full sync keeps the
	// trashed records without resurrecting the paths.
	require.NoError(t, syncer.FullSync(ctx))
	_, errno = d.Getattr(ctx, "/archive")
	assert.Equal(t, syscall.ENOENT, errno)
}
