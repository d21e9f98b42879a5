package bridge

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/sys"
	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/runtime"
	"github.com/wardenos/warden/internal/wasmtest"
)

type fixture struct {
	k   *kernel.Kernel
	eng *runtime.Engine
	out *bytes.Buffer
}

func newFixture(t *testing.T, cfg kernel.Config) *fixture {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	ctx := context.Background()
	out := &bytes.Buffer{}
	k := kernel.New(cfg, kernel.Options{Console: out})
	eng := runtime.NewEngine(ctx, runtime.Config{}, nil)
	require.NoError(t, Install(ctx, eng, k))

	t.Cleanup(func() {
		k.Shutdown()
		_ = eng.Close(ctx)
	})
	return &fixture{k: k, eng: eng, out: out}
}

func (f *fixture) spawn(t *testing.T, name string, bin []byte, entry string, grants ...kernel.BootCap) *task.Task {
	t.Helper()
	m, err := f.eng.Compile(context.Background(), name, bin)
	require.NoError(t, err)
	tk, err := f.k.Spawn(kernel.SpawnSpec{
		Name:   name,
		Grants: grants,
		Runner: &Runner{Module: m, Instance: name, Entry: entry},
	})
	require.NoError(t, err)
	return tk
}

func (f *fixture) info(t *testing.T, id task.ID) task.Info {
	t.Helper()
	info, err := f.k.TaskInfo(id)
	require.NoError(t, err)
	return info
}

func TestModuleCleanReturnBecomesExitCode(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	bin := wasmtest.New().Export("main", wasmtest.Body().I32Const(7)).Build()

	tk := f.spawn(t, "clean", bin, "main")
	f.k.Start()
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.Equal(t, "terminated", info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(7), *info.ExitCode)
	assert.False(t, info.Trapped)
}

func TestModuleExitSyscallUnwinds(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	// Exit never returns; the syscall result doubles as the entry's
	// stack value for validation.
	bin := wasmtest.New().Export("main",
		wasmtest.Body().Syscall(int32(sys.SysExit), 3, 0, 0)).Build()

	tk := f.spawn(t, "exiter", bin, "main")
	f.k.Start()
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.Equal(t, "terminated", info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(3), *info.ExitCode)
	assert.False(t, info.Trapped)
}

func TestModulePrintAndConsoleWrite(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	msg := "hi from wasm\n"
	bin := wasmtest.New().
		Data(16, []byte(msg)).
		Export("main", wasmtest.Body().
			Print(99).
			Syscall(int32(sys.SysWrite), 0, 16, int32(len(msg))).Drop().
			I32Const(0)).
		Build()

	f.spawn(t, "printer", bin, "main",
		kernel.BootCap{Target: kernel.TargetConsole, Rights: caps.RightWrite})
	f.k.Start()
	f.k.Wait()

	assert.Equal(t, "[task 1] 99\n"+msg, f.out.String())
}

func TestModuleTrapMarksTask(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	bin := wasmtest.New().Export("main", wasmtest.Body().Unreachable()).Build()

	tk := f.spawn(t, "crasher", bin, "main")
	f.k.Start()
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.Equal(t, "terminated", info.State)
	assert.True(t, info.Trapped)
}

func TestMissingEntryTraps(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	bin := wasmtest.New().Export("main", wasmtest.Body().I32Const(0)).Build()

	// Entry left empty falls back to _start, which this module does
	// not export.
	tk := f.spawn(t, "noentry", bin, "")
	f.k.Start()
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.True(t, info.Trapped)
}

func TestRendezvousAcrossModules(t *testing.T) {
	f := newFixture(t, kernel.Config{})

	// The receiver parks first, then exits with the low word of the
	// delivered payload.
	recvBin := wasmtest.New().Export("main", wasmtest.Body().
		Syscall(int32(sys.SysRecv), 0, 64, sys.RecvRecordLen).Drop().
		I32Const(64).I32Load(0)).Build()
	sendBin := wasmtest.New().Export("main", wasmtest.Body().
		Syscall(int32(sys.SysSend), 0, 9, 0).Drop().
		I32Const(0)).Build()

	rcv := f.spawn(t, "rcv", recvBin, "main",
		kernel.BootCap{Target: "pipe", Rights: caps.RightRecv})
	snd := f.spawn(t, "snd", sendBin, "main",
		kernel.BootCap{Target: "pipe", Rights: caps.RightSend})

	f.k.Start()
	f.k.Wait()

	rinfo := f.info(t, rcv.ID)
	require.NotNil(t, rinfo.ExitCode)
	assert.Equal(t, int32(9), *rinfo.ExitCode)

	sinfo := f.info(t, snd.ID)
	require.NotNil(t, sinfo.ExitCode)
	assert.Equal(t, int32(0), *sinfo.ExitCode)
}

func TestDestroyKillsSpinningModule(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	bin := wasmtest.New().Export("main", wasmtest.Body().LoopForever()).Build()

	tk := f.spawn(t, "spinner", bin, "main")
	f.k.Start()

	require.Eventually(t, func() bool {
		info, err := f.k.TaskInfo(tk.ID)
		return err == nil && info.State == "running"
	}, time.Second, time.Millisecond)

	require.NoError(t, f.k.Destroy(tk.ID, -1))
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.Equal(t, "terminated", info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(-1), *info.ExitCode)
	assert.False(t, info.Trapped)
}

func TestWatchdogKillsSpinningModule(t *testing.T) {
	f := newFixture(t, kernel.Config{WatchdogTicks: 3})
	bin := wasmtest.New().Export("main", wasmtest.Body().LoopForever()).Build()

	tk := f.spawn(t, "runaway", bin, "main")
	f.k.Start()

	require.Eventually(t, func() bool {
		info, err := f.k.TaskInfo(tk.ID)
		return err == nil && info.State == "running"
	}, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		f.k.Tick()
	}
	f.k.Wait()

	info := f.info(t, tk.ID)
	assert.Equal(t, "terminated", info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(-1), *info.ExitCode)
}

func TestSharedImageInstancesStayIsolated(t *testing.T) {
	f := newFixture(t, kernel.Config{})
	// Two tasks from one compiled image: each stores its own value and
	// exits with what it reads back.
	bin := wasmtest.New().Export("main", wasmtest.Body().
		Syscall(int32(sys.SysRecv), 0, 128, sys.RecvRecordLen).Drop().
		I32Const(128).I32Load(0)).Build()

	m, err := f.eng.Compile(context.Background(), "worker", bin)
	require.NoError(t, err)

	var ids []task.ID
	for i := 0; i < 2; i++ {
		tk, err := f.k.Spawn(kernel.SpawnSpec{
			Name:   fmt.Sprintf("worker-%d", i),
			Grants: []kernel.BootCap{{Target: "jobs", Rights: caps.RightRecv}},
			Runner: &Runner{Module: m, Instance: fmt.Sprintf("worker-%d", i), Entry: "main"},
		})
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	for i := 0; i < 2; i++ {
		payload := int32(10 + i)
		_, err := f.k.Spawn(kernel.SpawnSpec{
			Name:   fmt.Sprintf("feeder-%d", i),
			Grants: []kernel.BootCap{{Target: "jobs", Rights: caps.RightSend}},
			Runner: task.RunnerFunc(func(ctx context.Context) (int32, error) {
				return f.k.Dispatch(ctx, sys.SysSend, 0, payload, 0), nil
			}),
		})
		require.NoError(t, err)
	}

	f.k.Start()
	f.k.Wait()

	codes := map[int32]bool{}
	for _, id := range ids {
		info := f.info(t, id)
		require.NotNil(t, info.ExitCode)
		codes[*info.ExitCode] = true
	}
	assert.Equal(t, map[int32]bool{10: true, 11: true}, codes)
}

func TestRunnerNeedsTaskContext(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background())
	assert.Error(t, err)
}
