package sys

import "fmt"

// Errno is the negative i32 a failed syscall hands back to module
// code. Success results are >= 0, so handles and byte counts share the
// result word with errors.
type Errno int32

const (
	OK       Errno = 0
	ENOSYS   Errno = -1 // unknown syscall number
	EBADH    Errno = -2 // invalid handle (bad slot, dead slot, wrong kind)
	ESTALE   Errno = -3 // handle generation does not match the slot
	EPERM    Errno = -4 // capability lacks a required right
	ENOSPC   Errno = -5 // capability table full
	EUNREACH Errno = -6 // endpoint has no live receiver
	EFAULT   Errno = -7 // pointer/length outside module memory
	ENOMEM   Errno = -8 // allocation quota or pager exhausted
	EKILLED  Errno = -9 // task killed mid-syscall; module never observes it
)

var errnoNames = map[Errno]string{
	OK:       "ok",
	ENOSYS:   "ENOSYS",
	EBADH:    "EBADH",
	ESTALE:   "ESTALE",
	EPERM:    "EPERM",
	ENOSPC:   "ENOSPC",
	EUNREACH: "EUNREACH",
	EFAULT:   "EFAULT",
	ENOMEM:   "ENOMEM",
	EKILLED:  "EKILLED",
}

// Error makes Errno usable as a Go error inside the kernel; the wire
// form is just the int32.
func (e Errno) Error() string {
	if n, ok := errnoNames[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int32(e))
}

func (e Errno) String() string { return e.Error() }

// Wire is the i32 result word for this errno.
func (e Errno) Wire() int32 { return int32(e) }

// ResultName labels a syscall result for metrics: "ok" for any
// non-negative result, the errno name otherwise.
func ResultName(v int32) string {
	if v >= 0 {
		return "ok"
	}
	if n, ok := errnoNames[Errno(v)]; ok {
		return n
	}
	return "error"
}
