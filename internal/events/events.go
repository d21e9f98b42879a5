// Package events carries the kernel's event stream: typed records
// fanned out to WebSocket subscribers. Publishing never blocks; a slow
// subscriber loses events rather than stalling the kernel, which emits
// while holding its lock.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type tags an event record.
type Type string

const (
	TypeTaskState    Type = "task.state"
	TypeTaskTrap     Type = "task.trap"
	TypeSyscallTrace Type = "syscall.trace"
	TypeIPCMessage   Type = "ipc.message"
	TypeModuleLoaded Type = "module.loaded"
)

// Event is one record on the stream.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Task int32     `json:"task,omitempty"`
	Data any       `json:"data,omitempty"`
}

// TaskStateData reports a lifecycle transition.
type TaskStateData struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Priority string `json:"priority"`
	ExitCode *int32 `json:"exit_code,omitempty"`
}

// TrapData reports an interpreter fault.
type TrapData struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SyscallData is one dispatch, emitted when tracing is enabled.
type SyscallData struct {
	Name   string `json:"name"`
	Result int32  `json:"result"`
}

// IPCData reports one delivered message.
type IPCData struct {
	Endpoint string `json:"endpoint"`
	From     int32  `json:"from"`
	To       int32  `json:"to"`
	Cap      bool   `json:"cap,omitempty"`
}

// ModuleData reports a module load.
type ModuleData struct {
	Name     string `json:"name"`
	Digest   string `json:"digest"`
	Instance string `json:"instance"`
}

// Hub fans events out to subscribers. A nil *Hub drops everything, so
// components can run without a stream attached.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The channel is
// closed by Unsubscribe.
func (h *Hub) Subscribe(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish stamps and fans out an event without blocking.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
}

// Subscribers is the current subscriber count.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}
