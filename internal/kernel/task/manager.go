package task

import "github.com/wardenos/warden/internal/kernel/caps"

// Manager owns the task table and ID assignment. Freed IDs are reused
// before the high-water mark advances, matching how small kernels keep
// task identifiers dense. Guarded by the kernel lock.
type Manager struct {
	tasks     map[ID]*Task
	highWater ID
	freeIDs   []ID
}

func NewManager() *Manager {
	return &Manager{tasks: make(map[ID]*Task)}
}

func (m *Manager) assignID() ID {
	if n := len(m.freeIDs); n > 0 {
		id := m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		return id
	}
	m.highWater++
	return m.highWater
}

// Create builds a task in Ready state and registers it.
func (m *Manager) Create(name string, prio Priority, tbl *caps.Table, r Runner) *Task {
	t := newTask(m.assignID(), name, prio, tbl, r)
	m.tasks[t.ID] = t
	return t
}

// Get looks a task up by ID.
func (m *Manager) Get(id ID) (*Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// Remove unregisters a terminated task and recycles its ID.
func (m *Manager) Remove(id ID) {
	if _, ok := m.tasks[id]; !ok {
		return
	}
	delete(m.tasks, id)
	m.freeIDs = append(m.freeIDs, id)
}

// Len is the number of registered tasks.
func (m *Manager) Len() int { return len(m.tasks) }

// ForEach visits every registered task.
func (m *Manager) ForEach(fn func(*Task)) {
	for _, t := range m.tasks {
		fn(t)
	}
}

// CountByState tallies tasks per lifecycle state.
func (m *Manager) CountByState() map[string]int {
	out := make(map[string]int, 4)
	for _, t := range m.tasks {
		out[t.State().String()]++
	}
	return out
}

// Info is the introspection view of one task.
type Info struct {
	ID        int32        `json:"id"`
	Name      string       `json:"name"`
	State     string       `json:"state"`
	Priority  string       `json:"priority"`
	Caps      []caps.Entry `json:"caps,omitempty"`
	Allocated uint64       `json:"allocated_bytes"`
	ExitCode  *int32       `json:"exit_code,omitempty"`
	Trapped   bool         `json:"trapped,omitempty"`
}

// InfoFor snapshots one task for the API.
func InfoFor(t *Task, withCaps bool) Info {
	info := Info{
		ID:        int32(t.ID),
		Name:      t.Name,
		State:     t.State().String(),
		Priority:  t.Priority.String(),
		Allocated: t.Allocated(),
	}
	if withCaps {
		info.Caps = t.Caps.Snapshot()
	}
	if t.State() == StateTerminated {
		code := t.Exit().Code
		info.ExitCode = &code
		info.Trapped = t.Exit().Trap
	}
	return info
}

// Snapshot lists every task, sorted by ID.
func (m *Manager) Snapshot() []Info {
	out := make([]Info, 0, len(m.tasks))
	for id := ID(1); id <= m.highWater; id++ {
		if t, ok := m.tasks[id]; ok {
			out = append(out, InfoFor(t, false))
		}
	}
	return out
}
