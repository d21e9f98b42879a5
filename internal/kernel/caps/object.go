package caps

// ObjectID names a kernel object. IDs are kernel-scoped, assigned once
// at object creation and never reused.
type ObjectID uint64

// Kind discriminates kernel object types.
type Kind uint8

const (
	KindConsole Kind = iota + 1
	KindRegion
	KindEndpoint
	KindAllocator
)

func (k Kind) String() string {
	switch k {
	case KindConsole:
		return "console"
	case KindRegion:
		return "region"
	case KindEndpoint:
		return "endpoint"
	case KindAllocator:
		return "allocator"
	default:
		return "unknown"
	}
}

// Object is anything a capability can point at. Implementations live
// with the subsystem that owns the object (console in the kernel core,
// regions in mem, endpoints in ipc).
type Object interface {
	ID() ObjectID
	Kind() Kind
}

// Capability pairs a kernel object with the rights its holder has on
// it. Modules never see a Capability, only handles into their table;
// that is what makes capabilities unforgeable.
type Capability struct {
	Object Object
	Rights Rights
}
