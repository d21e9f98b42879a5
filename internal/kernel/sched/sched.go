// Package sched implements the fixed-priority preemptive round-robin
// scheduler: one FIFO ready queue per priority class, a single current
// task, and tick-driven slice accounting. The package is pure policy;
// the kernel core owns the run-token handoff and locking.
package sched

import "github.com/wardenos/warden/internal/kernel/task"

// queue is a growable FIFO ring of tasks.
type queue struct {
	items []*task.Task
	head  int
	count int
}

func (q *queue) len() int { return q.count }

func (q *queue) push(t *task.Task) {
	if q.count == len(q.items) {
		grown := make([]*task.Task, max(8, len(q.items)*2))
		for i := 0; i < q.count; i++ {
			grown[i] = q.items[(q.head+i)%len(q.items)]
		}
		q.items = grown
		q.head = 0
	}
	q.items[(q.head+q.count)%len(q.items)] = t
	q.count++
}

func (q *queue) pop() *task.Task {
	if q.count == 0 {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return t
}

func (q *queue) remove(t *task.Task) bool {
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.items)
		if q.items[idx] != t {
			continue
		}
		for j := i; j < q.count-1; j++ {
			from := (q.head + j + 1) % len(q.items)
			to := (q.head + j) % len(q.items)
			q.items[to] = q.items[from]
		}
		q.items[(q.head+q.count-1)%len(q.items)] = nil
		q.count--
		return true
	}
	return false
}

func (q *queue) contains(t *task.Task) bool {
	for i := 0; i < q.count; i++ {
		if q.items[(q.head+i)%len(q.items)] == t {
			return true
		}
	}
	return false
}

// Scheduler holds the ready queues and slice policy. Guarded by the
// kernel lock.
type Scheduler struct {
	queues  [task.NumPriorities]queue
	current *task.Task
	slice   uint32

	dispatches  uint64
	switches    uint64
	preemptions uint64
}

// DefaultSliceTicks is the round-robin quantum in timer ticks.
const DefaultSliceTicks = 10

func New(sliceTicks uint32) *Scheduler {
	if sliceTicks == 0 {
		sliceTicks = DefaultSliceTicks
	}
	return &Scheduler{slice: sliceTicks}
}

// Enqueue appends a ready task to the tail of its class. Queueing the
// same task twice is a kernel bug.
func (s *Scheduler) Enqueue(t *task.Task) {
	q := &s.queues[t.Priority]
	if q.contains(t) {
		panic("sched: task enqueued twice")
	}
	q.push(t)
}

// PickNext pops the head of the highest non-empty class, nil when every
// queue is empty.
func (s *Scheduler) PickNext() *task.Task {
	for p := task.NumPriorities - 1; p >= 0; p-- {
		if t := s.queues[p].pop(); t != nil {
			return t
		}
	}
	return nil
}

// Current is the task holding the core, nil when idle.
func (s *Scheduler) Current() *task.Task { return s.current }

// SetCurrent installs the task about to receive the run token (nil for
// idle) and keeps the dispatch and context-switch counters.
func (s *Scheduler) SetCurrent(t *task.Task) {
	if t != nil {
		s.dispatches++
		if t != s.current {
			s.switches++
		}
		t.ResetQuantum()
	}
	s.current = t
}

// Remove unlinks a task from whichever ready queue holds it.
func (s *Scheduler) Remove(t *task.Task) bool {
	return s.queues[t.Priority].remove(t)
}

// Queued reports whether the task sits in a ready queue.
func (s *Scheduler) Queued(t *task.Task) bool {
	return s.queues[t.Priority].contains(t)
}

// HasReadyAtOrAbove reports whether any task of class p or higher is
// ready. A yielding task hands the core over only in that case; fixed
// priorities mean a lower class never preempts.
func (s *Scheduler) HasReadyAtOrAbove(p task.Priority) bool {
	for q := int(p); q < task.NumPriorities; q++ {
		if s.queues[q].len() > 0 {
			return true
		}
	}
	return false
}

// Tick charges one timer tick to the current task. It marks the task
// preemptible when its slice expires and reports the watchdog counter
// so the kernel can police tasks that never reach a checkpoint.
// Syscalls are non-preemptible, so the switch itself happens at the
// task's next checkpoint.
func (s *Scheduler) Tick() (expired bool, sinceCheckpoint uint32) {
	cur := s.current
	if cur == nil {
		return false, 0
	}
	quantum, since := cur.TickQuantum()
	if quantum >= s.slice && !cur.NeedsPreempt() {
		cur.MarkPreempt()
		s.preemptions++
		return true, since
	}
	return false, since
}

// SliceTicks is the configured quantum.
func (s *Scheduler) SliceTicks() uint32 { return s.slice }

// Stats is the introspection view of the scheduler.
type Stats struct {
	Policy      string                   `json:"policy"`
	SliceTicks  uint32                   `json:"slice_ticks"`
	Dispatches  uint64                   `json:"dispatches"`
	Switches    uint64                   `json:"context_switches"`
	Preemptions uint64                   `json:"preemptions"`
	Depths      [task.NumPriorities]int  `json:"queue_depths"`
	Current     *int32                   `json:"current_task,omitempty"`
}

func (s *Scheduler) Snapshot() Stats {
	st := Stats{
		Policy:      "fixed-priority round-robin",
		SliceTicks:  s.slice,
		Dispatches:  s.dispatches,
		Switches:    s.switches,
		Preemptions: s.preemptions,
	}
	for p := 0; p < task.NumPriorities; p++ {
		st.Depths[p] = s.queues[p].len()
	}
	if s.current != nil {
		id := int32(s.current.ID)
		st.Current = &id
	}
	return st
}
