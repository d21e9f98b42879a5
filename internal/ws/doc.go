// Package ws streams kernel events to WebSocket clients.
//
// Each connection subscribes to the event hub and receives JSON frames
// for task lifecycle changes, traps, IPC deliveries, module loads and
// (when tracing is enabled) per-syscall records. A client may narrow
// the stream by sending a filter message:
//
//	{"type": "subscribe", "events": ["task.state", "task.trap"]}
//
// An empty or absent filter passes every event. Slow clients lose
// events rather than stall the kernel; the hub counts drops.
package ws
