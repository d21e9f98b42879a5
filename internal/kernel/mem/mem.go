// Package mem implements the ALLOCATE-gated memory service: fixed-size
// regions handed to tasks as capabilities, backed by a pager and
// accounted against per-task quotas and a global pool budget.
package mem

import (
	"errors"

	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/task"
)

// PageSize is the allocation granule. Requests round up to whole pages.
const PageSize = 4096

var ErrNoMemory = errors.New("out of memory")

// Pager supplies backing storage for regions. Not concurrency-safe;
// the kernel lock serializes it.
type Pager interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

type heapPager struct {
	budget int
	used   int
}

// NewHeapPager pages from the Go heap, capped at budget bytes
// (0 = uncapped). Fresh pages are zeroed by construction.
func NewHeapPager(budget int) Pager {
	return &heapPager{budget: budget}
}

func (p *heapPager) Alloc(n int) ([]byte, error) {
	if p.budget > 0 && p.used+n > p.budget {
		return nil, ErrNoMemory
	}
	p.used += n
	return make([]byte, n), nil
}

func (p *heapPager) Free(b []byte) {
	p.used -= len(b)
	if p.used < 0 {
		p.used = 0
	}
}

// Allocator is the anchor object ALLOCATE capabilities name. It has no
// state of its own; holding a capability to it with RightAlloc is what
// authorizes syscall 2.
type Allocator struct {
	id caps.ObjectID
}

func NewAllocator(id caps.ObjectID) *Allocator { return &Allocator{id: id} }

func (a *Allocator) ID() caps.ObjectID { return a.id }
func (a *Allocator) Kind() caps.Kind   { return caps.KindAllocator }

// Region is one allocated memory object.
type Region struct {
	id    caps.ObjectID
	owner task.ID
	buf   []byte
}

func (r *Region) ID() caps.ObjectID { return r.id }
func (r *Region) Kind() caps.Kind   { return caps.KindRegion }
func (r *Region) Size() uint32      { return uint32(len(r.buf)) }
func (r *Region) Owner() task.ID    { return r.owner }

// ReadAt returns a view of n bytes starting at off.
func (r *Region) ReadAt(off, n uint32) ([]byte, bool) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off:end], true
}

// WriteAt copies b into the region at off.
func (r *Region) WriteAt(off uint32, b []byte) bool {
	end := uint64(off) + uint64(len(b))
	if end > uint64(len(r.buf)) {
		return false
	}
	copy(r.buf[off:end], b)
	return true
}

// Service fronts the pager with quota accounting.
type Service struct {
	pager Pager
}

func NewService(p Pager) *Service {
	if p == nil {
		p = NewHeapPager(0)
	}
	return &Service{pager: p}
}

func roundUp(n uint32) int {
	pages := (int(n) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	return pages * PageSize
}

// Allocate builds a region of at least size bytes for owner, charging
// the rounded amount against the task's quota and the pool budget.
func (s *Service) Allocate(owner *task.Task, id caps.ObjectID, size uint32) (*Region, error) {
	n := roundUp(size)
	if !owner.ChargeAlloc(uint64(n)) {
		return nil, ErrNoMemory
	}
	buf, err := s.pager.Alloc(n)
	if err != nil {
		owner.ReleaseAlloc(uint64(n))
		return nil, err
	}
	return &Region{id: id, owner: owner.ID, buf: buf}, nil
}

// Release frees a region's pages. owner is nil when the owning task is
// already gone; the quota died with it.
func (s *Service) Release(r *Region, owner *task.Task) {
	if owner != nil {
		owner.ReleaseAlloc(uint64(len(r.buf)))
	}
	s.pager.Free(r.buf)
	r.buf = nil
}
