// Package sys is the syscall ABI shared by the kernel, the host
// bridge, and guest modules: syscall numbers, errno values, and the
// wire layout of the receive record. It has no kernel imports so both
// sides of the boundary can depend on it.
package sys

// Number identifies a syscall in the dispatch table.
type Number int32

const (
	SysRead Number = iota
	SysWrite
	SysAlloc
	SysSend
	SysRecv
	SysYield
	SysExit
	SysEndpointCreate
	SysGrant
	SysRevoke
	SysSendCap

	numSyscalls
)

// Count is the size of the dispatch table.
const Count = int(numSyscalls)

var names = [...]string{
	SysRead:           "read",
	SysWrite:          "write",
	SysAlloc:          "alloc",
	SysSend:           "send",
	SysRecv:           "recv",
	SysYield:          "yield",
	SysExit:           "exit",
	SysEndpointCreate: "endpoint_create",
	SysGrant:          "grant",
	SysRevoke:         "revoke",
	SysSendCap:        "send_cap",
}

func (n Number) String() string {
	if n < 0 || int(n) >= len(names) {
		return "unknown"
	}
	return names[n]
}

// Valid reports whether n indexes the dispatch table.
func (n Number) Valid() bool { return n >= 0 && n < numSyscalls }
