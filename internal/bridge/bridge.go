// Package bridge connects sandboxed modules to the kernel. It installs
// the env host module (print, syscall), adapts wazero linear memory to
// the task marshaling surface, and runs one instance per task.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	wazsys "github.com/tetratelabs/wazero/sys"

	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/sys"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/runtime"
)

// DefaultEntry is the exported function run when a manifest names none.
const DefaultEntry = "_start"

// Install registers the env host module on the engine's runtime. It
// must run once, before the first instance is created.
//
// Exports:
//
//	print(v i32)                         debug line on the kernel console
//	syscall(num, a1, a2, a3 i32) -> i32  kernel dispatch
func Install(ctx context.Context, eng *runtime.Engine, k *kernel.Kernel) error {
	_, err := eng.Runtime().NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostPrint(k)),
			[]api.ValueType{api.ValueTypeI32}, nil).
		Export("print").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostSyscall(k)),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("syscall").
		Instantiate(ctx)
	return err
}

func hostPrint(k *kernel.Kernel) func(context.Context, api.Module, []uint64) {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		k.HostPrint(ctx, int32(uint32(stack[0])))
	}
}

func hostSyscall(k *kernel.Kernel) func(context.Context, api.Module, []uint64) {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		num := sys.Number(int32(uint32(stack[0])))
		a1 := int32(uint32(stack[1]))
		a2 := int32(uint32(stack[2]))
		a3 := int32(uint32(stack[3]))

		res := k.Dispatch(ctx, num, a1, a2, a3)
		if res == sys.EKILLED.Wire() {
			// The module never observes a kill. Closing the instance
			// unwinds this call with an exit error once we return.
			code := uint32(1)
			if t, ok := task.FromContext(ctx); ok {
				code = uint32(t.Exit().Code)
			}
			_ = mod.CloseWithExitCode(ctx, code)
		}
		stack[0] = uint64(uint32(res))
	}
}

// memory adapts wazero linear memory to task.Memory. wazero already
// bounds-checks, so failures surface as EFAULT in the kernel rather
// than a panic.
type memory struct {
	mem api.Memory
}

func (m memory) Read(ptr, n uint32) ([]byte, bool) { return m.mem.Read(ptr, n) }
func (m memory) Write(ptr uint32, b []byte) bool   { return m.mem.Write(ptr, b) }
func (m memory) Size() uint32                      { return m.mem.Size() }

// Runner drives one module instance as a task body. It implements
// task.Runner; the kernel calls Run on the task's own goroutine after
// the first dispatch.
type Runner struct {
	Module   *runtime.Module
	Instance string // unique instance name within the engine
	Entry    string // exported entry function, DefaultEntry when empty
}

// Run instantiates the module, binds its linear memory to the task and
// calls the entry. Instantiation happens here rather than at spawn so
// start sections already execute with task identity, on the core.
func (r *Runner) Run(ctx context.Context) (int32, error) {
	t, ok := task.FromContext(ctx)
	if !ok {
		return 0, errors.New("bridge: context carries no task")
	}
	entry := r.Entry
	if entry == "" {
		entry = DefaultEntry
	}

	inst, err := r.Module.Instantiate(ctx, r.Instance)
	if err != nil {
		return 0, fmt.Errorf("bridge: %w", err)
	}
	defer inst.Close(ctx)

	if mem := inst.Memory(); mem != nil {
		t.BindMemory(memory{mem})
	} else {
		// No memory export: every pointer-carrying syscall faults.
		t.BindMemory(task.NewBufMemory(0))
	}

	code, err := inst.Call(ctx, entry)
	if err == nil {
		return code, nil
	}

	var exit *wazsys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case wazsys.ExitCodeContextCanceled, wazsys.ExitCodeDeadlineExceeded:
			// Killed from outside; the kernel already recorded the exit.
			return 0, ctx.Err()
		default:
			// Voluntary exit, unwound by hostSyscall above.
			return int32(exit.ExitCode()), nil
		}
	}
	// Interpreter trap: unreachable, out-of-bounds access, stack
	// exhaustion. The kernel marks the task as trapped.
	return 0, err
}
