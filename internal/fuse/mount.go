package fuse

import (
	"fmt"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures the kernel mount.
type MountOptions struct {
	// Mountpoint is the directory the filesystem is mounted on. It is
	// created if it does not exist.
	Mountpoint string

	// Dispatcher provides the operation semantics.
	Dispatcher *Dispatcher

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount mounts the drive filesystem and returns the serving FUSE
// server. The caller unmounts with server.Unmount and waits with
// server.Wait.
func Mount(options MountOptions) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &driveNode{dispatcher: options.Dispatcher}

	// Short attribute windows: metadata changes remotely between
	// syncs, so the kernel must revalidate often.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "drivefs",
			Name:       "drivefs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", options.Mountpoint, err)
	}
	return server, nil
}
