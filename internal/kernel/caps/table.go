// Package caps implements per-task capability tables: generation-checked
// slot arrays mapping integer handles to (object, rights) pairs.
package caps

import "errors"

var (
	ErrInvalidHandle      = errors.New("invalid capability handle")
	ErrStaleGeneration    = errors.New("stale capability generation")
	ErrInsufficientRights = errors.New("insufficient rights")
	ErrTableFull          = errors.New("capability table full")
)

// Handle is the integer a task uses to name one of its capabilities.
// It packs generation<<16 | slot, so a revoked-and-reused slot
// invalidates every handle minted before the reuse.
//
// Generations wrap at 2^15 so a packed handle always fits the positive
// range of the i32 the syscall ABI returns; negative values are
// reserved for errnos.
type Handle uint32

const genMask = 0x7fff

// HandleFor packs a slot index and generation counter.
func HandleFor(slot, gen uint16) Handle {
	return Handle(uint32(gen&genMask)<<16 | uint32(slot))
}

func (h Handle) Slot() uint16       { return uint16(h) }
func (h Handle) Generation() uint16 { return uint16(h>>16) & genMask }

// Wire is the handle as carried by the syscall ABI.
func (h Handle) Wire() int32 { return int32(h) }

// FromWire converts a module-supplied i32 argument. Negative values
// keep the sign bit, which no minted handle carries, so they fail
// lookup with ErrInvalidHandle.
func FromWire(v int32) Handle { return Handle(uint32(v)) }

// DefaultCapacity is the per-task table size when the config does not
// override it.
const DefaultCapacity = 64

type slot struct {
	cap  Capability
	gen  uint16
	live bool
}

// Table is one task's capability space: a fixed array of generation-
// checked slots. Tables are private to their task and are mutated only
// under the kernel lock; the type itself is not concurrency-safe.
type Table struct {
	slots []slot
	free  []uint16
	liveN int
}

// NewTable builds an empty table with the given slot count.
func NewTable(capacity int) *Table {
	if capacity <= 0 || capacity > 1<<16 {
		capacity = DefaultCapacity
	}
	t := &Table{
		slots: make([]slot, capacity),
		free:  make([]uint16, 0, capacity),
	}
	// LIFO freelist, lowest slot on top. A freed slot is reused on the
	// next insert, which is exactly when stale handles must be caught.
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, uint16(i))
	}
	return t
}

// Insert stores a capability in a free slot and returns its handle.
func (t *Table) Insert(c Capability) (Handle, error) {
	if c.Object == nil {
		return 0, ErrInvalidHandle
	}
	n := len(t.free)
	if n == 0 {
		return 0, ErrTableFull
	}
	idx := t.free[n-1]
	t.free = t.free[:n-1]
	s := &t.slots[idx]
	s.cap = c
	s.live = true
	t.liveN++
	return HandleFor(idx, s.gen), nil
}

func (t *Table) entryFor(h Handle) (*slot, error) {
	// Minted handles never set bit 31 (generations wrap at 2^15), so a
	// negative wire value lands here with it set and must not alias the
	// live handle for slot 0.
	if uint32(h)>>31 != 0 {
		return nil, ErrInvalidHandle
	}
	idx := int(h.Slot())
	if idx >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[idx]
	if !s.live {
		return nil, ErrInvalidHandle
	}
	if s.gen&genMask != h.Generation() {
		return nil, ErrStaleGeneration
	}
	return s, nil
}

// Lookup validates a handle and checks that the capability carries
// every bit of need. need==0 validates the handle without a rights
// check.
func (t *Table) Lookup(h Handle, need Rights) (Capability, error) {
	s, err := t.entryFor(h)
	if err != nil {
		return Capability{}, err
	}
	if !s.cap.Rights.Has(need) {
		return Capability{}, ErrInsufficientRights
	}
	return s.cap, nil
}

// Revoke frees a slot and bumps its generation, invalidating the
// handle and every copy of it inside this table's task.
func (t *Table) Revoke(h Handle) (Capability, error) {
	s, err := t.entryFor(h)
	if err != nil {
		return Capability{}, err
	}
	c := s.cap
	s.cap = Capability{}
	s.live = false
	s.gen = (s.gen + 1) & genMask
	t.liveN--
	t.free = append(t.free, h.Slot())
	return c, nil
}

// Derive mints a new capability to the same object with want rights.
// The source must carry RightGrant, and want must be a subset of the
// source rights; requesting any bit the source lacks is an error, not
// a silent mask.
func (t *Table) Derive(h Handle, want Rights) (Handle, error) {
	s, err := t.entryFor(h)
	if err != nil {
		return 0, err
	}
	src := s.cap
	if !src.Rights.Has(RightGrant) {
		return 0, ErrInsufficientRights
	}
	if want&^src.Rights != 0 {
		return 0, ErrInsufficientRights
	}
	return t.Insert(Capability{Object: src.Object, Rights: want})
}

// Len is the number of live capabilities.
func (t *Table) Len() int { return t.liveN }

// Capacity is the total slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// FindFirst returns the lowest-slot live capability whose object kind
// matches and that carries every bit of need. Syscalls whose authority
// is a service right rather than a target handle (allocate) resolve it
// this way.
func (t *Table) FindFirst(kind Kind, need Rights) (Capability, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.live && s.cap.Object.Kind() == kind && s.cap.Rights.Has(need) {
			return s.cap, true
		}
	}
	return Capability{}, false
}

// Refs counts live capabilities naming object id that carry every bit
// of need. The kernel's object collector uses this to decide when an
// object has become unreachable.
func (t *Table) Refs(id ObjectID, need Rights) int {
	n := 0
	for i := range t.slots {
		s := &t.slots[i]
		if s.live && s.cap.Object.ID() == id && s.cap.Rights.Has(need) {
			n++
		}
	}
	return n
}

// Entry is one live slot as reported to the introspection API.
type Entry struct {
	Handle Handle   `json:"handle"`
	Kind   string   `json:"kind"`
	Object ObjectID `json:"object"`
	Rights string   `json:"rights"`
}

// Snapshot lists the live slots in slot order.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, t.liveN)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		out = append(out, Entry{
			Handle: HandleFor(uint16(i), s.gen),
			Kind:   s.cap.Object.Kind().String(),
			Object: s.cap.Object.ID(),
			Rights: s.cap.Rights.String(),
		})
	}
	return out
}

// Teardown drains every live slot and returns the capabilities so the
// kernel can collect objects that just lost their last reference. The
// table is unusable afterwards in the sense that all handles are
// stale.
func (t *Table) Teardown() []Capability {
	out := make([]Capability, 0, t.liveN)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		out = append(out, s.cap)
		s.cap = Capability{}
		s.live = false
		s.gen = (s.gen + 1) & genMask
		t.free = append(t.free, uint16(i))
	}
	t.liveN = 0
	return out
}
