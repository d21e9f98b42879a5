package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/ipc"
	"github.com/wardenos/warden/internal/kernel/mem"
	"github.com/wardenos/warden/internal/kernel/sys"
	"github.com/wardenos/warden/internal/kernel/task"
)

// noCapHandle fills the record's cap field when no capability rode
// along. Negative so it can never be confused with a minted handle.
var noCapHandle = sys.EBADH.Wire()

type sysent struct {
	fn func(k *Kernel, t *task.Task, a1, a2, a3 int32) (int32, error)
}

var sysTable = [sys.Count]sysent{
	sys.SysRead:           {(*Kernel).sysRead},
	sys.SysWrite:          {(*Kernel).sysWrite},
	sys.SysAlloc:          {(*Kernel).sysAlloc},
	sys.SysSend:           {(*Kernel).sysSend},
	sys.SysRecv:           {(*Kernel).sysRecv},
	sys.SysYield:          {(*Kernel).sysYield},
	sys.SysExit:           {(*Kernel).sysExit},
	sys.SysEndpointCreate: {(*Kernel).sysEndpointCreate},
	sys.SysGrant:          {(*Kernel).sysGrant},
	sys.SysRevoke:         {(*Kernel).sysRevoke},
	sys.SysSendCap:        {(*Kernel).sysSendCap},
}

// Dispatch is the single entry point for module syscalls. The calling
// task comes from ctx, never from arguments. The returned i32 is a
// non-negative result or a negative errno.
func (k *Kernel) Dispatch(ctx context.Context, num sys.Number, a1, a2, a3 int32) int32 {
	t, ok := task.FromContext(ctx)
	if !ok {
		k.log.Error("syscall without task identity", zap.Int32("num", int32(num)))
		return sys.ENOSYS.Wire()
	}

	start := time.Now()
	res := k.dispatch(t, num, a1, a2, a3)
	dur := time.Since(start)

	name := num.String()
	k.metrics.RecordSyscall(name, sys.ResultName(res), dur)
	k.bench.Record(bench.SeriesSyscall, dur)
	if k.cfg.TraceSyscalls {
		k.hub.Publish(events.Event{
			Type: events.TypeSyscallTrace,
			Task: int32(t.ID),
			Data: events.SyscallData{Name: name, Result: res},
		})
		k.log.Debug("syscall",
			zap.Int32("task", int32(t.ID)),
			zap.String("name", name),
			zap.Int32("result", res),
			zap.Duration("dur", dur))
	}
	return res
}

func (k *Kernel) dispatch(t *task.Task, num sys.Number, a1, a2, a3 int32) int32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	if t.IsKilled() {
		return sys.EKILLED.Wire()
	}
	// Syscall entry is the checkpoint: the watchdog counter resets and
	// any pending preemption is honored on the way out. Handlers run
	// non-preemptible under the kernel lock.
	t.Checkpoint()

	if !num.Valid() {
		return sys.ENOSYS.Wire()
	}
	val, err := sysTable[num].fn(k, t, a1, a2, a3)

	// A handler that parked may have been killed while off-core. The
	// module never sees a result in that case; the bridge unwinds.
	if t.IsKilled() {
		return sys.EKILLED.Wire()
	}
	if t.TakePreempt() {
		if !k.yieldLocked(t) {
			return sys.EKILLED.Wire()
		}
	}
	if err != nil {
		return toErrno(err).Wire()
	}
	return val
}

// sysRead copies from an object into task memory at a2. Regions read
// from offset zero, clamped to the region size.
func (k *Kernel) sysRead(t *task.Task, a1, a2, a3 int32) (int32, error) {
	c, err := t.Caps.Lookup(caps.FromWire(a1), caps.RightRead)
	if err != nil {
		return 0, err
	}
	r, ok := c.Object.(*mem.Region)
	if !ok {
		return 0, caps.ErrInvalidHandle
	}
	n := uint32(a3)
	if n > r.Size() {
		n = r.Size()
	}
	data, _ := r.ReadAt(0, n)
	if !t.Memory().Write(uint32(a2), data) {
		return 0, errBadAddress
	}
	return int32(n), nil
}

// sysWrite copies task memory [a2, a2+a3) into an object. Console
// writes go to the sink; region writes land at offset zero, clamped.
func (k *Kernel) sysWrite(t *task.Task, a1, a2, a3 int32) (int32, error) {
	c, err := t.Caps.Lookup(caps.FromWire(a1), caps.RightWrite)
	if err != nil {
		return 0, err
	}
	data, ok := t.Memory().Read(uint32(a2), uint32(a3))
	if !ok {
		return 0, errBadAddress
	}
	switch obj := c.Object.(type) {
	case *Console:
		n, werr := obj.Write(data)
		if werr != nil {
			k.log.Warn("console write failed", zap.Error(werr))
		}
		return int32(n), nil
	case *mem.Region:
		if uint32(len(data)) > obj.Size() {
			data = data[:obj.Size()]
		}
		obj.WriteAt(0, data)
		return int32(len(data)), nil
	default:
		return 0, caps.ErrInvalidHandle
	}
}

// sysAlloc carves a fresh region of a1 bytes. The authority is the
// allocator capability, found by kind because the size rides in a1.
// The caller gets READ|WRITE|GRANT on the new region.
func (k *Kernel) sysAlloc(t *task.Task, a1, _, _ int32) (int32, error) {
	if _, ok := t.Caps.FindFirst(caps.KindAllocator, caps.RightAlloc); !ok {
		return 0, caps.ErrInsufficientRights
	}
	r, err := k.mems.Allocate(t, k.nextObjectLocked(), uint32(a1))
	if err != nil {
		return 0, err
	}
	h, err := t.Caps.Insert(caps.Capability{
		Object: r,
		Rights: caps.RightRead | caps.RightWrite | caps.RightGrant,
	})
	if err != nil {
		k.mems.Release(r, t)
		return 0, err
	}
	k.objects[r.ID()] = r
	return h.Wire(), nil
}

func (k *Kernel) sysSend(t *task.Task, a1, a2, a3 int32) (int32, error) {
	c, err := t.Caps.Lookup(caps.FromWire(a1), caps.RightSend)
	if err != nil {
		return 0, err
	}
	msg := ipc.Message{Sender: t.ID}
	msg.Words[0] = uint64(uint32(a2))
	msg.Words[1] = uint64(uint32(a3))
	return k.sendLocked(t, c, msg)
}

// sysSendCap stages a capability transfer on top of a send. The
// attached capability is snapshotted now and applied to the receiver's
// table at delivery; mode 1 moves, revoking the sender's handle once
// the receiver holds the new one.
func (k *Kernel) sysSendCap(t *task.Task, a1, a2, a3 int32) (int32, error) {
	epc, err := t.Caps.Lookup(caps.FromWire(a1), caps.RightSend)
	if err != nil {
		return 0, err
	}
	if a3 != sys.TransferCopy && a3 != sys.TransferMove {
		return 0, sys.ENOSYS
	}
	// Delegation takes GRANT on the staged capability, same as Derive.
	// Without the gate a task could relay rights it was never allowed
	// to hand out.
	payload, err := t.Caps.Lookup(caps.FromWire(a2), caps.RightGrant)
	if err != nil {
		return 0, err
	}
	msg := ipc.Message{
		Sender:    t.ID,
		Cap:       payload,
		HasCap:    true,
		Move:      a3 == sys.TransferMove,
		SrcHandle: caps.FromWire(a2),
	}
	return k.sendLocked(t, epc, msg)
}

// sendLocked is the rendezvous send path shared by Send and SendCap.
// With a parked receiver the message lands in its wait frame and the
// receiver marshals after waking; otherwise the sender parks FIFO.
func (k *Kernel) sendLocked(t *task.Task, c caps.Capability, msg ipc.Message) (int32, error) {
	ep, ok := c.Object.(*ipc.Endpoint)
	if !ok {
		return 0, caps.ErrInvalidHandle
	}
	if ep.Dead() {
		return 0, ipc.ErrUnreachable
	}

	if rw := ep.PopReceiver(); rw != nil {
		capH := noCapHandle
		if msg.HasCap {
			capH = k.applyTransferLocked(rw.Task, &msg)
		}
		rw.Msg = msg
		rw.CapHandle = capH
		k.wakeLocked(rw.Task)
		k.recordIPCLocked(ep, msg.Sender, rw.Task.ID, msg.HasCap, time.Since(rw.Parked))
		return 0, nil
	}

	w := &ipc.SendWait{Task: t, Msg: msg, Parked: time.Now()}
	ep.PushSender(w)
	if !k.blockLocked(t) {
		return 0, errKilled
	}
	if w.Err != nil {
		return 0, w.Err
	}
	return 0, nil
}

// sysRecv blocks until a message arrives and marshals the 40-byte
// record into task memory at a2. The buffer is validated before any
// message is consumed or the task parks, so a bad pointer never eats
// a message.
func (k *Kernel) sysRecv(t *task.Task, a1, a2, a3 int32) (int32, error) {
	c, err := t.Caps.Lookup(caps.FromWire(a1), caps.RightRecv)
	if err != nil {
		return 0, err
	}
	ep, ok := c.Object.(*ipc.Endpoint)
	if !ok {
		return 0, caps.ErrInvalidHandle
	}
	ptr := uint32(a2)
	if uint32(a3) < sys.RecvRecordLen {
		return 0, errBadAddress
	}
	if _, ok := t.Memory().Read(ptr, sys.RecvRecordLen); !ok {
		return 0, errBadAddress
	}
	if ep.Dead() {
		return 0, ipc.ErrUnreachable
	}

	if sw := ep.PopSender(); sw != nil {
		msg := sw.Msg
		capH := noCapHandle
		if msg.HasCap {
			capH = k.applyTransferLocked(t, &msg)
		}
		sw.Err = nil
		k.wakeLocked(sw.Task)
		k.recordIPCLocked(ep, msg.Sender, t.ID, msg.HasCap, time.Since(sw.Parked))
		return k.deliverRecord(t, ptr, msg, capH)
	}

	w := &ipc.RecvWait{Task: t, Parked: time.Now()}
	ep.PushReceiver(w)
	if !k.blockLocked(t) {
		return 0, errKilled
	}
	if w.Err != nil {
		return 0, w.Err
	}
	return k.deliverRecord(t, ptr, w.Msg, w.CapHandle)
}

func (k *Kernel) deliverRecord(t *task.Task, ptr uint32, msg ipc.Message, capH int32) (int32, error) {
	var rec [sys.RecvRecordLen]byte
	sys.PutRecvRecord(rec[:], msg.Words, uint32(msg.Sender), capH)
	if !t.Memory().Write(ptr, rec[:]) {
		return 0, errBadAddress
	}
	return int32(sys.RecvRecordLen), nil
}

// applyTransferLocked deposits a staged capability into the receiver's
// table and returns the minted wire handle, or a negative errno with
// the payload still delivered. A failed insert cancels a move, so the
// sender keeps its handle.
func (k *Kernel) applyTransferLocked(rcv *task.Task, msg *ipc.Message) int32 {
	h, err := rcv.Caps.Insert(msg.Cap)
	if err != nil {
		return toErrno(err).Wire()
	}
	if msg.Move {
		if snd, ok := k.tasks.Get(msg.Sender); ok && snd.State() != task.StateTerminated {
			// The receiver holds a reference now, so the object can't
			// be collected by this revoke.
			_, _ = snd.Caps.Revoke(msg.SrcHandle)
		}
	}
	return h.Wire()
}

// recordIPCLocked runs once per completed rendezvous. waited is how
// long the already-parked side sat in the queue, which is the latency
// a module observes for the round trip.
func (k *Kernel) recordIPCLocked(ep *ipc.Endpoint, from, to task.ID, withCap bool, waited time.Duration) {
	name := ep.Name()
	if name == "" {
		name = "anon"
	}
	k.metrics.RecordIPCMessage(name)
	k.bench.Record(bench.SeriesIPC, waited)
	k.hub.Publish(events.Event{
		Type: events.TypeIPCMessage,
		Task: int32(from),
		Data: events.IPCData{Endpoint: name, From: int32(from), To: int32(to), Cap: withCap},
	})
}

func (k *Kernel) sysYield(t *task.Task, _, _, _ int32) (int32, error) {
	if !k.yieldLocked(t) {
		return 0, errKilled
	}
	return 0, nil
}

// sysExit retires the calling task. The handler marks it terminated
// and the dispatch epilogue reports EKILLED; the bridge then closes
// the instance so module code never resumes.
func (k *Kernel) sysExit(t *task.Task, a1, _, _ int32) (int32, error) {
	k.terminateLocked(t, task.ExitStatus{Code: a1})
	return 0, errKilled
}

// sysEndpointCreate mints an anonymous endpoint with full messaging
// rights for the creator.
func (k *Kernel) sysEndpointCreate(t *task.Task, _, _, _ int32) (int32, error) {
	ep := ipc.NewEndpoint(k.nextObjectLocked(), "")
	h, err := t.Caps.Insert(caps.Capability{
		Object: ep,
		Rights: caps.RightSend | caps.RightRecv | caps.RightGrant,
	})
	if err != nil {
		return 0, err
	}
	k.objects[ep.ID()] = ep
	return h.Wire(), nil
}

// sysGrant derives a new capability to the same object with a2 as the
// rights mask. Widening past the source is a hard error.
func (k *Kernel) sysGrant(t *task.Task, a1, a2, _ int32) (int32, error) {
	h, err := t.Caps.Derive(caps.FromWire(a1), caps.Rights(uint32(a2)))
	if err != nil {
		return 0, err
	}
	return h.Wire(), nil
}

func (k *Kernel) sysRevoke(t *task.Task, a1, _, _ int32) (int32, error) {
	c, err := t.Caps.Revoke(caps.FromWire(a1))
	if err != nil {
		return 0, err
	}
	k.collectLocked([]caps.Capability{c})
	return 0, nil
}

// HostPrint is the capability-free debug export: modules print a
// single i32 to the console without holding any handle. Kept outside
// the syscall table because it takes no authority and never blocks.
func (k *Kernel) HostPrint(ctx context.Context, v int32) {
	t, ok := task.FromContext(ctx)
	if !ok {
		return
	}
	k.console.Printf("[task %d] %d\n", int32(t.ID), v)
}
