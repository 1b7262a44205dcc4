package fuse

import (
	"errors"
	"syscall"

	"github.com/drivefs/drivefs/internal/api"
	"github.com/drivefs/drivefs/internal/cache"
	"github.com/drivefs/drivefs/internal/proxy"
)

// errnoFor translates an internal error into the errno the kernel
// reports to the caller. Remote failures keep their HTTP-derived
// meaning; anything unrecognized from the remote is a remote I/O
// error, anything unrecognized locally is a plain I/O error.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, cache.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, proxy.ErrInvalidSeek):
		return syscall.ESPIPE
	case errors.Is(err, proxy.ErrWriteTimeout):
		return syscall.ETIMEDOUT
	case errors.Is(err, proxy.ErrChunkTruncated):
		return syscall.EIO
	}

	var reqErr *api.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode {
		case api.StatusConnError:
			return syscall.ECOMM
		case api.StatusConflict:
			return syscall.EEXIST
		case api.StatusReqTimeout, api.StatusGatewayExpiry:
			return syscall.ETIMEDOUT
		case api.StatusRangeInvalid:
			return syscall.EFAULT
		default:
			return syscall.EREMOTEIO
		}
	}

	return syscall.EIO
}
