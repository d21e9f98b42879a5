package sched

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/task"
)

func mkTasks(t *testing.T, prios ...task.Priority) []*task.Task {
	t.Helper()
	m := task.NewManager()
	out := make([]*task.Task, 0, len(prios))
	for i, p := range prios {
		name := string(rune('a' + i))
		out = append(out, m.Create(name, p, caps.NewTable(4), task.RunnerFunc(
			func(ctx context.Context) (int32, error) { return 0, nil },
		)))
	}
	return out
}

func TestFIFOWithinClass(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityNormal, task.PriorityNormal, task.PriorityNormal)
	for _, tk := range ts {
		s.Enqueue(tk)
	}

	assert.Same(t, ts[0], s.PickNext())
	assert.Same(t, ts[1], s.PickNext())
	assert.Same(t, ts[2], s.PickNext())
	assert.Nil(t, s.PickNext())
}

func TestHigherClassFirst(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityLow, task.PriorityRealtime, task.PriorityNormal, task.PriorityHigh)
	for _, tk := range ts {
		s.Enqueue(tk)
	}

	assert.Same(t, ts[1], s.PickNext()) // realtime
	assert.Same(t, ts[3], s.PickNext()) // high
	assert.Same(t, ts[2], s.PickNext()) // normal
	assert.Same(t, ts[0], s.PickNext()) // low
}

func TestRoundRobinFairness(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityNormal, task.PriorityNormal, task.PriorityNormal)
	for _, tk := range ts {
		s.Enqueue(tk)
	}

	// Simulate dispatch/requeue cycles: every task must run once per
	// round, in arrival order, for as long as all stay ready.
	runs := map[*task.Task]int{}
	for round := 0; round < 12; round++ {
		next := s.PickNext()
		require.NotNil(t, next)
		s.SetCurrent(next)
		runs[next]++
		s.SetCurrent(nil)
		s.Enqueue(next)
	}
	for _, tk := range ts {
		assert.Equal(t, 4, runs[tk], "task %s starved", tk.Name)
	}
}

func TestDoubleEnqueuePanics(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityNormal)
	s.Enqueue(ts[0])
	assert.Panics(t, func() { s.Enqueue(ts[0]) })
}

func TestRemoveUnlinks(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityNormal, task.PriorityNormal, task.PriorityNormal)
	for _, tk := range ts {
		s.Enqueue(tk)
	}

	require.True(t, s.Remove(ts[1]))
	assert.False(t, s.Remove(ts[1]))
	assert.False(t, s.Queued(ts[1]))

	assert.Same(t, ts[0], s.PickNext())
	assert.Same(t, ts[2], s.PickNext())
	assert.Nil(t, s.PickNext())
}

func TestQueueGrowthKeepsOrder(t *testing.T) {
	s := New(10)
	ts := mkTasks(t,
		task.PriorityNormal, task.PriorityNormal, task.PriorityNormal,
		task.PriorityNormal, task.PriorityNormal, task.PriorityNormal,
		task.PriorityNormal, task.PriorityNormal, task.PriorityNormal,
		task.PriorityNormal, task.PriorityNormal, task.PriorityNormal,
	)
	// Interleave pushes and pops so the ring wraps before growing.
	for i := 0; i < 4; i++ {
		s.Enqueue(ts[i])
	}
	assert.Same(t, ts[0], s.PickNext())
	assert.Same(t, ts[1], s.PickNext())
	for i := 4; i < len(ts); i++ {
		s.Enqueue(ts[i])
	}
	for i := 2; i < len(ts); i++ {
		assert.Same(t, ts[i], s.PickNext(), "position %d", i)
	}
}

func TestTickMarksPreemptOnce(t *testing.T) {
	s := New(3)
	ts := mkTasks(t, task.PriorityNormal)
	cur := ts[0]
	s.SetCurrent(cur)

	expired, _ := s.Tick()
	assert.False(t, expired)
	expired, _ = s.Tick()
	assert.False(t, expired)
	expired, _ = s.Tick()
	assert.True(t, expired)
	assert.True(t, cur.NeedsPreempt())

	// Further ticks while the flag is pending are not new preemptions.
	expired, _ = s.Tick()
	assert.False(t, expired)
	assert.Equal(t, uint64(1), s.Snapshot().Preemptions)
}

func TestTickWatchdogCounter(t *testing.T) {
	s := New(2)
	ts := mkTasks(t, task.PriorityNormal)
	s.SetCurrent(ts[0])

	var since uint32
	for i := 0; i < 5; i++ {
		_, since = s.Tick()
	}
	assert.Equal(t, uint32(5), since)

	// A checkpoint resets the runaway counter.
	ts[0].Checkpoint()
	_, since = s.Tick()
	assert.Equal(t, uint32(1), since)
}

func TestTickWhenIdle(t *testing.T) {
	s := New(2)
	expired, since := s.Tick()
	assert.False(t, expired)
	assert.Zero(t, since)
}

func TestStatsCounters(t *testing.T) {
	s := New(10)
	ts := mkTasks(t, task.PriorityNormal, task.PriorityHigh)
	s.Enqueue(ts[0])
	s.Enqueue(ts[1])

	first := s.PickNext()
	s.SetCurrent(first)
	s.SetCurrent(first) // re-dispatch of the same task is not a switch
	second := s.PickNext()
	s.SetCurrent(second)

	st := s.Snapshot()
	assert.Equal(t, uint64(3), st.Dispatches)
	assert.Equal(t, uint64(2), st.Switches)
	assert.Equal(t, "fixed-priority round-robin", st.Policy)
	require.NotNil(t, st.Current)
	assert.Equal(t, int32(second.ID), *st.Current)
}
