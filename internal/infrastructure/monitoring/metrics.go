package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so the kernel can run without a registry in tests.
type Metrics struct {
	// Syscall metrics
	SyscallsTotal   *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// Scheduler metrics
	ContextSwitches prometheus.Counter
	Preemptions     prometheus.Counter

	// Task metrics
	TasksByState *prometheus.GaugeVec
	TasksSpawned prometheus.Counter
	TaskTraps    prometheus.Counter

	// IPC metrics
	IPCMessages *prometheus.CounterVec
	IPCBlocked  prometheus.Gauge

	// Module metrics
	ModulesLoaded prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalSyscalls int64   `json:"total_syscalls"`
	ActiveTasks   int64   `json:"active_tasks"`
	TotalDuration float64 `json:"-"` // sum of all request durations
	RequestCount  int64   `json:"-"` // count for averaging
}

// NewMetrics creates a metrics collector on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on a specific registerer; tests pass a
// fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// Syscall metrics
		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_syscalls_total",
				Help: "Total number of syscalls dispatched",
			},
			[]string{"name", "result"},
		),
		SyscallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_syscall_duration_seconds",
				Help:    "Syscall handler duration in seconds",
				Buckets: []float64{.000001, .00001, .0001, .001, .01, .1, 1},
			},
			[]string{"name"},
		),

		// Scheduler metrics
		ContextSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_context_switches_total",
				Help: "Total number of context switches",
			},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_preemptions_total",
				Help: "Total number of slice expirations",
			},
		),

		// Task metrics
		TasksByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_tasks",
				Help: "Number of tasks per lifecycle state",
			},
			[]string{"state"},
		),
		TasksSpawned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_tasks_spawned_total",
				Help: "Total number of tasks spawned",
			},
		),
		TaskTraps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_task_traps_total",
				Help: "Total number of tasks terminated by interpreter traps",
			},
		),

		// IPC metrics
		IPCMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_ipc_messages_total",
				Help: "Total number of messages delivered per endpoint",
			},
			[]string{"endpoint"},
		),
		IPCBlocked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_ipc_blocked",
				Help: "Number of tasks blocked in rendezvous",
			},
		),

		// Module metrics
		ModulesLoaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_modules_loaded_total",
				Help: "Total number of wasm modules loaded",
			},
		),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordSyscall records a dispatched syscall and its handler latency.
func (m *Metrics) RecordSyscall(name, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyscallsTotal.WithLabelValues(name, result).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalSyscalls++
	m.mu.Unlock()
}

// RecordContextSwitch counts one task-to-task switch.
func (m *Metrics) RecordContextSwitch() {
	if m == nil {
		return
	}
	m.ContextSwitches.Inc()
}

// RecordPreemption counts one slice expiration.
func (m *Metrics) RecordPreemption() {
	if m == nil {
		return
	}
	m.Preemptions.Inc()
}

// SetTaskStates replaces the per-state task gauges.
func (m *Metrics) SetTaskStates(counts map[string]int) {
	if m == nil {
		return
	}
	active := int64(0)
	for state, n := range counts {
		m.TasksByState.WithLabelValues(state).Set(float64(n))
		if state != "terminated" {
			active += int64(n)
		}
	}
	m.mu.Lock()
	m.snapshot.ActiveTasks = active
	m.mu.Unlock()
}

// IncTasksSpawned counts one spawn.
func (m *Metrics) IncTasksSpawned() {
	if m == nil {
		return
	}
	m.TasksSpawned.Inc()
}

// IncTaskTraps counts one trap termination.
func (m *Metrics) IncTaskTraps() {
	if m == nil {
		return
	}
	m.TaskTraps.Inc()
}

// RecordIPCMessage counts one delivered message.
func (m *Metrics) RecordIPCMessage(endpoint string) {
	if m == nil {
		return
	}
	m.IPCMessages.WithLabelValues(endpoint).Inc()
}

// AddIPCBlocked adjusts the blocked-in-rendezvous gauge.
func (m *Metrics) AddIPCBlocked(delta int) {
	if m == nil {
		return
	}
	m.IPCBlocked.Add(float64(delta))
}

// IncModulesLoaded counts one module load.
func (m *Metrics) IncModulesLoaded() {
	if m == nil {
		return
	}
	m.ModulesLoaded.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Snapshot returns the JSON-API view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
