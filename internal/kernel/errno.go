package kernel

import (
	"errors"

	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/ipc"
	"github.com/wardenos/warden/internal/kernel/mem"
	"github.com/wardenos/warden/internal/kernel/sys"
)

// toErrno folds internal errors onto the wire errno space.
func toErrno(err error) sys.Errno {
	if err == nil {
		return sys.OK
	}
	var e sys.Errno
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, caps.ErrInvalidHandle):
		return sys.EBADH
	case errors.Is(err, caps.ErrStaleGeneration):
		return sys.ESTALE
	case errors.Is(err, caps.ErrInsufficientRights):
		return sys.EPERM
	case errors.Is(err, caps.ErrTableFull):
		return sys.ENOSPC
	case errors.Is(err, ipc.ErrUnreachable):
		return sys.EUNREACH
	case errors.Is(err, mem.ErrNoMemory):
		return sys.ENOMEM
	case errors.Is(err, errBadAddress):
		return sys.EFAULT
	case errors.Is(err, errKilled):
		return sys.EKILLED
	default:
		return sys.ENOSYS
	}
}
