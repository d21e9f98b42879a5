// Package kernel is the control plane around sandboxed modules: the
// object registry, task lifecycle, the run-token scheduler loop, and
// the syscall choke point. One kernel lock guards all state; exactly
// one task goroutine executes module code at a time, so the kernel is
// a single logical core regardless of GOMAXPROCS.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/monitoring"
	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/ipc"
	"github.com/wardenos/warden/internal/kernel/mem"
	"github.com/wardenos/warden/internal/kernel/sched"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/logging"
)

var (
	ErrNoSuchTask  = errors.New("no such task")
	ErrNotRunnable = errors.New("task has no runner")
	ErrBadGrant    = errors.New("unresolvable grant target")
	errKilled      = errors.New("task killed")
	errBadAddress  = errors.New("address outside task memory")
)

// Grant targets resolvable at spawn time. Anything else names a shared
// endpoint, created on first reference.
const (
	TargetConsole = "console"
	TargetMemory  = "memory"
)

// BootCap describes one capability a task is born with.
type BootCap struct {
	Target string
	Rights caps.Rights
}

// SpawnSpec is everything needed to create a task.
type SpawnSpec struct {
	Name     string
	Priority task.Priority
	Grants   []BootCap
	MemLimit uint64 // bytes of ALLOCATE quota; 0 applies the default
	Runner   task.Runner
}

// Config carries the kernel tunables.
type Config struct {
	TickInterval    time.Duration // timer period; 10ms gives the classic 100Hz
	SliceTicks      uint32        // round-robin quantum in ticks
	WatchdogTicks   uint32        // ticks without a checkpoint before a running task is killed; 0 disables
	TableCapacity   int           // capability slots per task
	DefaultMemLimit uint64        // ALLOCATE quota when the spec doesn't set one
	PoolBytes       int           // global pager budget; 0 uncapped
	TraceSyscalls   bool          // emit per-syscall events and debug logs
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.SliceTicks == 0 {
		c.SliceTicks = sched.DefaultSliceTicks
	}
	if c.TableCapacity <= 0 {
		c.TableCapacity = caps.DefaultCapacity
	}
	if c.DefaultMemLimit == 0 {
		c.DefaultMemLimit = 16 << 20
	}
	return c
}

// Options are the kernel's injected collaborators. Every field is
// optional; nil components are safe no-ops.
type Options struct {
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Events  *events.Hub
	Bench   *bench.Collector
	Console io.Writer
	Pager   mem.Pager
}

// Kernel owns all kernel state behind one lock.
type Kernel struct {
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics
	hub     *events.Hub
	bench   *bench.Collector

	mu      sync.Mutex
	tasks   *task.Manager
	sched   *sched.Scheduler
	objects map[caps.ObjectID]caps.Object
	nextObj caps.ObjectID
	mems    *mem.Service
	console *Console
	alloc   *mem.Allocator
	epNames map[string]*ipc.Endpoint

	running    atomic.Bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	ticker     *time.Ticker
	tickStop   chan struct{}
	bootTime   time.Time
}

// New builds a kernel with its builtin objects: the console (object 1)
// and the allocator anchor (object 2).
func New(cfg Config, opts Options) *Kernel {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	k := &Kernel{
		cfg:        cfg,
		log:        opts.Logger.Named("kernel"),
		metrics:    opts.Metrics,
		hub:        opts.Events,
		bench:      opts.Bench,
		tasks:      task.NewManager(),
		sched:      sched.New(cfg.SliceTicks),
		objects:    make(map[caps.ObjectID]caps.Object),
		mems:       mem.NewService(opts.Pager),
		epNames:    make(map[string]*ipc.Endpoint),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		tickStop:   make(chan struct{}),
		bootTime:   time.Now(),
	}
	if cfg.PoolBytes > 0 && opts.Pager == nil {
		k.mems = mem.NewService(mem.NewHeapPager(cfg.PoolBytes))
	}

	k.console = NewConsole(1, opts.Console)
	k.alloc = mem.NewAllocator(2)
	k.objects[k.console.ID()] = k.console
	k.objects[k.alloc.ID()] = k.alloc
	k.nextObj = 3

	return k
}

func (k *Kernel) nextObjectLocked() caps.ObjectID {
	id := k.nextObj
	k.nextObj++
	return id
}

// resolveTargetLocked maps a grant target to its object, creating
// named endpoints on first reference.
func (k *Kernel) resolveTargetLocked(target string) (caps.Object, error) {
	switch target {
	case TargetConsole:
		return k.console, nil
	case TargetMemory:
		return k.alloc, nil
	case "":
		return nil, ErrBadGrant
	}
	if ep, ok := k.epNames[target]; ok && !ep.Dead() {
		return ep, nil
	}
	ep := ipc.NewEndpoint(k.nextObjectLocked(), target)
	k.objects[ep.ID()] = ep
	k.epNames[target] = ep
	k.log.Debug("endpoint created", zap.String("name", target), zap.Uint64("object", uint64(ep.ID())))
	return ep, nil
}

// Spawn creates a task with its boot capabilities and parks its
// goroutine until the scheduler dispatches it.
func (k *Kernel) Spawn(spec SpawnSpec) (*task.Task, error) {
	if spec.Runner == nil {
		return nil, ErrNotRunnable
	}
	if spec.Name == "" {
		spec.Name = "task"
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	tbl := caps.NewTable(k.cfg.TableCapacity)
	for _, g := range spec.Grants {
		obj, err := k.resolveTargetLocked(g.Target)
		if err != nil {
			return nil, fmt.Errorf("grant %q: %w", g.Target, err)
		}
		if _, err := tbl.Insert(caps.Capability{Object: obj, Rights: g.Rights}); err != nil {
			return nil, fmt.Errorf("grant %q: %w", g.Target, err)
		}
	}

	t := k.tasks.Create(spec.Name, spec.Priority, tbl, spec.Runner)
	limit := spec.MemLimit
	if limit == 0 {
		limit = k.cfg.DefaultMemLimit
	}
	t.SetMemLimit(limit)

	ctx, cancel := context.WithCancel(task.NewContext(k.baseCtx, t))
	t.BindCancel(cancel)

	k.sched.Enqueue(t)
	k.wg.Add(1)
	go k.runTask(t, ctx)

	k.metrics.IncTasksSpawned()
	k.metrics.SetTaskStates(k.tasks.CountByState())
	k.hub.Publish(events.Event{
		Type: events.TypeTaskState,
		Task: int32(t.ID),
		Data: events.TaskStateData{Name: t.Name, State: t.State().String(), Priority: t.Priority.String()},
	})
	k.log.Info("task spawned",
		zap.Int32("task", int32(t.ID)),
		zap.String("name", t.Name),
		zap.String("priority", t.Priority.String()),
		zap.Int("grants", len(spec.Grants)))

	k.kickLocked()
	return t, nil
}

// runTask is the per-task goroutine: wait for the first dispatch, run
// the body to completion, release the core.
func (k *Kernel) runTask(t *task.Task, ctx context.Context) {
	defer k.wg.Done()
	if !t.AwaitToken() {
		// Killed before ever running; Destroy did the bookkeeping.
		return
	}
	code, err := t.Runner().Run(ctx)
	k.finishTask(t, code, err)
}

// finishTask retires a task whose runner returned and hands the core
// to the next ready task.
func (k *Kernel) finishTask(t *task.Task, code int32, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	wasCurrent := k.sched.Current() == t
	if t.State() != task.StateTerminated {
		st := task.ExitStatus{Code: code}
		if err != nil && !errors.Is(err, errKilled) {
			st = task.ExitStatus{Code: code, Trap: true, Err: err}
		}
		k.terminateLocked(t, st)
	}
	if wasCurrent {
		k.sched.SetCurrent(nil)
		k.dispatchNextLocked()
	}
}

// terminateLocked is the single exit path: absorbing state change,
// queue removal, capability teardown, object collection, waiter
// wakeups, and the exit event.
func (k *Kernel) terminateLocked(t *task.Task, st task.ExitStatus) {
	if t.State() == task.StateTerminated {
		return
	}
	prev := t.State()
	t.SetExit(st)
	t.SetState(task.StateTerminated)
	t.Kill()

	switch prev {
	case task.StateReady:
		k.sched.Remove(t)
	case task.StateBlocked:
		for _, obj := range k.objects {
			if ep, ok := obj.(*ipc.Endpoint); ok {
				ep.RemoveWaiter(t)
			}
		}
		k.metrics.AddIPCBlocked(-1)
	}

	dropped := t.Caps.Teardown()
	k.collectLocked(dropped)

	if st.Trap {
		k.metrics.IncTaskTraps()
		reason := "trap"
		if st.Err != nil {
			reason = st.Err.Error()
		}
		k.hub.Publish(events.Event{
			Type: events.TypeTaskTrap,
			Task: int32(t.ID),
			Data: events.TrapData{Name: t.Name, Reason: reason},
		})
		k.log.Warn("task trapped",
			zap.Int32("task", int32(t.ID)),
			zap.String("name", t.Name),
			zap.Error(st.Err))
	} else {
		k.log.Info("task terminated",
			zap.Int32("task", int32(t.ID)),
			zap.String("name", t.Name),
			zap.Int32("code", st.Code))
	}

	code := st.Code
	k.metrics.SetTaskStates(k.tasks.CountByState())
	k.hub.Publish(events.Event{
		Type: events.TypeTaskState,
		Task: int32(t.ID),
		Data: events.TaskStateData{
			Name: t.Name, State: task.StateTerminated.String(),
			Priority: t.Priority.String(), ExitCode: &code,
		},
	})
}

// collectLocked destroys objects that lost their last capability, and
// marks endpoints dead as soon as no live receive capability remains.
func (k *Kernel) collectLocked(dropped []caps.Capability) {
	seen := make(map[caps.ObjectID]caps.Object, len(dropped))
	for _, c := range dropped {
		if c.Object == nil {
			continue
		}
		seen[c.Object.ID()] = c.Object
	}
	for id, obj := range seen {
		switch o := obj.(type) {
		case *mem.Region:
			if k.refsLocked(id, 0) == 0 {
				owner, _ := k.tasks.Get(o.Owner())
				if owner != nil && owner.State() == task.StateTerminated {
					owner = nil
				}
				k.mems.Release(o, owner)
				delete(k.objects, id)
			}
		case *ipc.Endpoint:
			if k.refsLocked(id, caps.RightRecv) == 0 {
				k.killEndpointLocked(o)
			}
			if k.refsLocked(id, 0) == 0 {
				delete(k.objects, id)
				if k.epNames[o.Name()] == o {
					delete(k.epNames, o.Name())
				}
			}
		}
	}
}

// killEndpointLocked marks an endpoint unreachable and wakes everyone
// parked on it with the unreachable error.
func (k *Kernel) killEndpointLocked(ep *ipc.Endpoint) {
	senders, receivers := ep.MarkDead()
	if len(senders)+len(receivers) > 0 {
		k.log.Debug("endpoint died with parked waiters",
			zap.String("endpoint", ep.Name()),
			zap.Int("senders", len(senders)),
			zap.Int("receivers", len(receivers)))
	}
	for _, w := range senders {
		w.Err = ipc.ErrUnreachable
		k.wakeLocked(w.Task)
	}
	for _, w := range receivers {
		w.Err = ipc.ErrUnreachable
		k.wakeLocked(w.Task)
	}
}

// refsLocked counts live capabilities to an object across every task.
func (k *Kernel) refsLocked(id caps.ObjectID, need caps.Rights) int {
	total := 0
	k.tasks.ForEach(func(t *task.Task) {
		if t.State() != task.StateTerminated {
			total += t.Caps.Refs(id, need)
		}
	})
	return total
}

// wakeLocked moves a blocked task back to ready and kicks the core if
// it is idle.
func (k *Kernel) wakeLocked(t *task.Task) {
	if t.State() != task.StateBlocked {
		return
	}
	t.SetState(task.StateReady)
	k.sched.Enqueue(t)
	k.metrics.AddIPCBlocked(-1)
	k.kickLocked()
}

// kickLocked starts a dispatch when the core is idle.
func (k *Kernel) kickLocked() {
	if !k.running.Load() || k.sched.Current() != nil {
		return
	}
	k.dispatchNextLocked()
}

// dispatchNextLocked hands the run token to the next ready task, or
// parks the core idle.
func (k *Kernel) dispatchNextLocked() {
	next := k.sched.PickNext()
	if next == nil {
		k.sched.SetCurrent(nil)
		return
	}
	k.dispatchToLocked(next)
}

func (k *Kernel) dispatchToLocked(next *task.Task) {
	start := time.Now()
	prev := k.sched.Current()
	next.SetState(task.StateRunning)
	k.sched.SetCurrent(next)
	if prev != next {
		k.metrics.RecordContextSwitch()
	}
	next.GrantToken()
	k.bench.Record(bench.SeriesDispatch, time.Since(start))
}

// blockLocked parks the calling task until a waker re-enqueues it and
// the scheduler grants the token back. Returns false when the task was
// killed while parked; the caller must unwind without touching shared
// state beyond returning an errno.
func (k *Kernel) blockLocked(t *task.Task) bool {
	t.SetState(task.StateBlocked)
	k.metrics.AddIPCBlocked(1)
	k.sched.SetCurrent(nil)
	k.dispatchNextLocked()

	k.mu.Unlock()
	ok := t.AwaitToken()
	k.mu.Lock()
	return ok
}

// yieldLocked requeues the caller behind its equals and dispatches the
// next ready task of the same or higher class. With no such task the
// caller keeps the core and just starts a fresh slice. Returns false
// when the task was killed while waiting to run again.
func (k *Kernel) yieldLocked(t *task.Task) bool {
	if !k.sched.HasReadyAtOrAbove(t.Priority) {
		t.ResetQuantum()
		return true
	}
	next := k.sched.PickNext()
	t.SetState(task.StateReady)
	k.sched.Enqueue(t)
	k.dispatchToLocked(next)

	k.mu.Unlock()
	ok := t.AwaitToken()
	k.mu.Lock()
	return ok
}

// Destroy terminates a task from outside: the control API, the
// watchdog, or shutdown. Blocked partners holding the other side of a
// rendezvous are woken per the endpoint liveness rules.
//
// A terminated task keeps its record so exit status stays readable;
// destroying it again reaps the record and recycles the ID.
func (k *Kernel) Destroy(id task.ID, code int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.tasks.Get(id)
	if !ok {
		return ErrNoSuchTask
	}
	if t.State() == task.StateTerminated {
		k.tasks.Remove(id)
		k.metrics.SetTaskStates(k.tasks.CountByState())
		return nil
	}

	wasCurrent := k.sched.Current() == t
	k.terminateLocked(t, task.ExitStatus{Code: code})
	if wasCurrent {
		// The victim's goroutine is still unwinding out of module
		// code; it releases the core itself in finishTask.
		k.log.Debug("destroyed running task; awaiting unwind", zap.Int32("task", int32(id)))
	}
	return nil
}

// Start begins dispatching and starts the timer.
func (k *Kernel) Start() {
	if !k.running.CompareAndSwap(false, true) {
		return
	}
	k.log.Info("kernel started",
		zap.Duration("tick", k.cfg.TickInterval),
		zap.Uint32("slice_ticks", k.cfg.SliceTicks),
		zap.Uint32("watchdog_ticks", k.cfg.WatchdogTicks))

	k.mu.Lock()
	k.kickLocked()
	k.mu.Unlock()

	k.ticker = time.NewTicker(k.cfg.TickInterval)
	go k.tickLoop()
}

func (k *Kernel) tickLoop() {
	for {
		select {
		case <-k.tickStop:
			return
		case <-k.ticker.C:
			k.Tick()
		}
	}
}

// Tick charges one timer tick. Exposed so tests can drive time by
// hand; the timer goroutine calls it at the configured rate.
func (k *Kernel) Tick() {
	k.mu.Lock()
	expired, since := k.sched.Tick()
	if expired {
		k.metrics.RecordPreemption()
	}
	var runaway *task.Task
	if wd := k.cfg.WatchdogTicks; wd > 0 && since >= wd {
		runaway = k.sched.Current()
	}
	k.mu.Unlock()

	if runaway != nil {
		k.log.Warn("watchdog killing task that never reached a checkpoint",
			zap.Int32("task", int32(runaway.ID)),
			zap.String("name", runaway.Name),
			zap.Uint32("ticks", since))
		_ = k.Destroy(runaway.ID, -1)
	}
}

// Wait blocks until every task goroutine has retired.
func (k *Kernel) Wait() {
	k.wg.Wait()
}

// Shutdown kills every live task and stops the timer. Safe to call
// more than once.
func (k *Kernel) Shutdown() {
	if k.running.CompareAndSwap(true, false) {
		if k.ticker != nil {
			k.ticker.Stop()
		}
		close(k.tickStop)
	}

	k.mu.Lock()
	var live []*task.Task
	k.tasks.ForEach(func(t *task.Task) {
		if t.State() != task.StateTerminated {
			live = append(live, t)
		}
	})
	for _, t := range live {
		k.terminateLocked(t, task.ExitStatus{Code: -1})
	}
	k.sched.SetCurrent(nil)
	k.mu.Unlock()

	k.baseCancel()
	k.wg.Wait()
	k.log.Info("kernel stopped", zap.Duration("uptime", time.Since(k.bootTime)))
}

// Snapshot accessors for the control plane.

// Tasks lists every task.
func (k *Kernel) Tasks() []task.Info {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks.Snapshot()
}

// TaskInfo returns one task with its capability table.
func (k *Kernel) TaskInfo(id task.ID) (task.Info, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks.Get(id)
	if !ok {
		return task.Info{}, ErrNoSuchTask
	}
	return task.InfoFor(t, true), nil
}

// SchedulerStats returns the scheduler counters.
func (k *Kernel) SchedulerStats() sched.Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Snapshot()
}

// EndpointInfo is the introspection view of a named endpoint.
type EndpointInfo struct {
	Name      string `json:"name"`
	Object    uint64 `json:"object"`
	Dead      bool   `json:"dead"`
	Senders   int    `json:"blocked_senders"`
	Receivers int    `json:"blocked_receivers"`
}

// Endpoints lists the named endpoints.
func (k *Kernel) Endpoints() []EndpointInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]EndpointInfo, 0, len(k.epNames))
	for name, ep := range k.epNames {
		s, r := ep.Waiting()
		out = append(out, EndpointInfo{
			Name: name, Object: uint64(ep.ID()), Dead: ep.Dead(),
			Senders: s, Receivers: r,
		})
	}
	return out
}

// Uptime since New.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.bootTime) }
