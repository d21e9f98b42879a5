// Package task defines the task control block, its lifecycle states,
// and the manager that assigns kernel task IDs.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wardenos/warden/internal/kernel/caps"
)

// ID is a kernel task identifier. IDs of terminated tasks are
// recycled; the control plane uses instance UUIDs for stable identity.
type ID int32

// State is the task lifecycle state. Terminated is absorbing.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Priority is the fixed scheduling class, assigned at spawn.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// NumPriorities is the number of scheduling classes.
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ParsePriority resolves a manifest priority name.
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "realtime":
		return PriorityRealtime, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}

// ExitStatus records how a task ended. Trap marks interpreter faults
// (unreachable, out-of-bounds access, stack exhaustion) as opposed to
// a voluntary exit.
type ExitStatus struct {
	Code int32
	Trap bool
	Err  error
}

// Memory is the marshaling surface between syscall handlers and a
// task's address space. Wasm tasks adapt the instance's linear memory;
// kernel tasks use a plain buffer. Read may return a view that is only
// valid until the task runs again.
type Memory interface {
	Read(ptr, n uint32) ([]byte, bool)
	Write(ptr uint32, b []byte) bool
	Size() uint32
}

// Runner is a task body: one sandboxed module instance, or a kernel
// task written in Go. Run executes to completion on the task's own
// goroutine; ctx carries the task identity and is canceled when the
// task is killed.
type Runner interface {
	Run(ctx context.Context) (int32, error)
}

// RunnerFunc adapts a plain function into a Runner.
type RunnerFunc func(ctx context.Context) (int32, error)

func (f RunnerFunc) Run(ctx context.Context) (int32, error) { return f(ctx) }

// Task is one schedulable unit. Immutable identity fields are set at
// creation; all mutable state is guarded by the kernel lock except the
// token/kill channels and the preempt flag, which the timer and the
// task goroutine touch directly.
type Task struct {
	ID       ID
	Name     string
	Priority Priority
	Caps     *caps.Table

	state      State
	runner     Runner
	mem        Memory
	cancel     context.CancelFunc
	quantum    uint32
	sinceCheck uint32
	allocated  uint64
	memLimit   uint64
	exit       ExitStatus
	exitSet    bool

	gate     chan struct{}
	killed   chan struct{}
	killOnce sync.Once
	preempt  atomic.Bool
}

func newTask(id ID, name string, prio Priority, tbl *caps.Table, r Runner) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Priority: prio,
		Caps:     tbl,
		state:    StateReady,
		runner:   r,
		gate:     make(chan struct{}, 1),
		killed:   make(chan struct{}),
	}
}

// State returns the lifecycle state. Kernel lock required.
func (t *Task) State() State { return t.state }

// SetState transitions the lifecycle state. Terminated is absorbing;
// leaving it is a kernel bug.
func (t *Task) SetState(s State) {
	if t.state == StateTerminated && s != StateTerminated {
		panic("task: transition out of terminated")
	}
	t.state = s
}

// Runner returns the task body.
func (t *Task) Runner() Runner { return t.runner }

// Memory returns the task's marshaling surface, nil until bound.
func (t *Task) Memory() Memory { return t.mem }

// BindMemory attaches the address-space adapter. Wasm tasks bind after
// instantiation, kernel tasks at spawn.
func (t *Task) BindMemory(m Memory) { t.mem = m }

// BindCancel attaches the context cancel used to tear down an
// in-flight runner when the task is killed.
func (t *Task) BindCancel(c context.CancelFunc) { t.cancel = c }

// GrantToken hands the task the run token. Exactly one token exists
// per kernel; granting a task that already holds one is a scheduler
// bug and panics loudly.
func (t *Task) GrantToken() {
	select {
	case t.gate <- struct{}{}:
	default:
		panic("task: run token granted twice")
	}
}

// AwaitToken parks the goroutine until the scheduler grants the token.
// It returns false when the task was killed instead; the goroutine
// must then unwind without touching kernel state.
func (t *Task) AwaitToken() bool {
	select {
	case <-t.killed:
		return false
	default:
	}
	select {
	case <-t.gate:
		return true
	case <-t.killed:
		return false
	}
}

// Kill marks the task dead, cancels its runner context, and releases
// any goroutine parked on the token.
func (t *Task) Kill() {
	t.killOnce.Do(func() {
		close(t.killed)
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// KilledChan exposes the kill signal for select loops.
func (t *Task) KilledChan() <-chan struct{} { return t.killed }

// IsKilled reports whether Kill has run.
func (t *Task) IsKilled() bool {
	select {
	case <-t.killed:
		return true
	default:
		return false
	}
}

// MarkPreempt flags the task to yield at its next checkpoint.
func (t *Task) MarkPreempt() { t.preempt.Store(true) }

// TakePreempt consumes the preempt flag.
func (t *Task) TakePreempt() bool { return t.preempt.Swap(false) }

// NeedsPreempt peeks at the flag without consuming it.
func (t *Task) NeedsPreempt() bool { return t.preempt.Load() }

// TickQuantum advances the slice consumption by one timer tick and
// reports the totals the scheduler decides preemption with.
func (t *Task) TickQuantum() (quantum, sinceCheck uint32) {
	t.quantum++
	t.sinceCheck++
	return t.quantum, t.sinceCheck
}

// ResetQuantum starts a fresh slice after a dispatch.
func (t *Task) ResetQuantum() { t.quantum = 0; t.preempt.Store(false) }

// Checkpoint records that the task passed a syscall boundary, which
// resets the watchdog counter.
func (t *Task) Checkpoint() { t.sinceCheck = 0 }

// SetMemLimit fixes the allocation quota in bytes.
func (t *Task) SetMemLimit(n uint64) { t.memLimit = n }

// ChargeAlloc reserves n bytes against the quota, failing when the
// task would exceed its limit.
func (t *Task) ChargeAlloc(n uint64) bool {
	if t.memLimit > 0 && t.allocated+n > t.memLimit {
		return false
	}
	t.allocated += n
	return true
}

// ReleaseAlloc returns n bytes to the quota.
func (t *Task) ReleaseAlloc(n uint64) {
	if n > t.allocated {
		n = t.allocated
	}
	t.allocated -= n
}

// Allocated is the quota consumption in bytes.
func (t *Task) Allocated() uint64 { return t.allocated }

// SetExit records the exit status. First write wins so an external
// destroy cannot overwrite a trap report.
func (t *Task) SetExit(e ExitStatus) {
	if !t.exitSet {
		t.exit = e
		t.exitSet = true
	}
}

// Exit returns the recorded exit status.
func (t *Task) Exit() ExitStatus { return t.exit }
