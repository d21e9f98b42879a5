// Package ipc provides the rendezvous endpoint object: FIFO queues of
// blocked senders and receivers plus the staged message that crosses
// between them. Messages are never buffered; one side always waits in
// place until the other arrives. The kernel core drives all state
// transitions under its lock, so the types here are passive.
package ipc

import (
	"errors"
	"time"

	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/sys"
	"github.com/wardenos/warden/internal/kernel/task"
)

var (
	// ErrUnreachable reports an endpoint with no live receiver.
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Message is the unit of rendezvous transfer: a fixed payload, the
// sender's identity, and an optional staged capability that is applied
// to the receiver's table only at delivery time.
type Message struct {
	Words  [sys.MsgWords]uint64
	Sender task.ID

	// Staged transfer. Cap is a snapshot of the sender's capability at
	// send time; Move asks the kernel to revoke SrcHandle from the
	// sender after a successful delivery.
	Cap       caps.Capability
	HasCap    bool
	Move      bool
	SrcHandle caps.Handle
}

// SendWait is a sender blocked in rendezvous. The kernel fills Err
// before waking the task; the parked syscall frame reads it after.
type SendWait struct {
	Task *task.Task
	Msg  Message
	Err  error

	// Parked marks when the task blocked; the kernel reads it at
	// delivery to measure rendezvous latency.
	Parked time.Time
}

// RecvWait is a receiver blocked in rendezvous. Delivery fills Msg and
// CapHandle (the handle minted in the receiver's table, or a negative
// errno when the transfer failed or no capability was attached).
type RecvWait struct {
	Task      *task.Task
	Msg       Message
	CapHandle int32
	Err       error
	Parked    time.Time
}

// Endpoint is the kernel object rendezvous happens on.
type Endpoint struct {
	id   caps.ObjectID
	name string

	senders   []*SendWait
	receivers []*RecvWait
	dead      bool
}

func NewEndpoint(id caps.ObjectID, name string) *Endpoint {
	return &Endpoint{id: id, name: name}
}

func (e *Endpoint) ID() caps.ObjectID { return e.id }
func (e *Endpoint) Kind() caps.Kind   { return caps.KindEndpoint }
func (e *Endpoint) Name() string      { return e.name }

// Dead reports whether the endpoint lost its last receiver capability.
func (e *Endpoint) Dead() bool { return e.dead }

// PushSender queues a blocked sender at the tail.
func (e *Endpoint) PushSender(w *SendWait) {
	e.senders = append(e.senders, w)
}

// PopSender dequeues the oldest blocked sender.
func (e *Endpoint) PopSender() *SendWait {
	if len(e.senders) == 0 {
		return nil
	}
	w := e.senders[0]
	e.senders[0] = nil
	e.senders = e.senders[1:]
	return w
}

// PushReceiver queues a blocked receiver at the tail. Multiple tasks
// may hold receive capabilities; they rendezvous in arrival order.
func (e *Endpoint) PushReceiver(w *RecvWait) {
	e.receivers = append(e.receivers, w)
}

// PopReceiver dequeues the oldest blocked receiver.
func (e *Endpoint) PopReceiver() *RecvWait {
	if len(e.receivers) == 0 {
		return nil
	}
	w := e.receivers[0]
	e.receivers[0] = nil
	e.receivers = e.receivers[1:]
	return w
}

// Waiting reports queue depths for introspection.
func (e *Endpoint) Waiting() (senders, receivers int) {
	return len(e.senders), len(e.receivers)
}

// RemoveWaiter unlinks a dying task from both queues.
func (e *Endpoint) RemoveWaiter(t *task.Task) {
	for i, w := range e.senders {
		if w.Task == t {
			e.senders = append(e.senders[:i], e.senders[i+1:]...)
			break
		}
	}
	for i, w := range e.receivers {
		if w.Task == t {
			e.receivers = append(e.receivers[:i], e.receivers[i+1:]...)
			break
		}
	}
}

// MarkDead flips the endpoint unreachable and drains both queues. The
// kernel wakes every returned waiter with ErrUnreachable; senders can
// no longer be received and parked receivers can never be matched.
func (e *Endpoint) MarkDead() (senders []*SendWait, receivers []*RecvWait) {
	if e.dead {
		return nil, nil
	}
	e.dead = true
	senders, e.senders = e.senders, nil
	receivers, e.receivers = e.receivers, nil
	return senders, receivers
}
