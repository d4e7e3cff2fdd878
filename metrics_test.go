package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickMetrics_EMAAndSample(t *testing.T) {
	var m TickMetrics
	m.record(10 * time.Millisecond)
	m.record(20 * time.Millisecond)
	m.record(30 * time.Millisecond)

	assert.Equal(t, 30*time.Millisecond, m.Max)
	// 10ms, then 0.2*20+0.8*10 = 12ms, then 0.2*30+0.8*12 = 15.6ms.
	assert.InDelta(t, float64(15600*time.Microsecond), float64(m.EMA), float64(time.Microsecond))
	n := m.Sample()
	assert.Equal(t, 3, n)
	assert.Equal(t, 20*time.Millisecond, m.P50)
}

func TestQueueMetrics_TracksMaxAndAvg(t *testing.T) {
	var q QueueMetrics
	q.updateReady(1)
	q.updateReady(5)
	q.updateReady(2)

	assert.Equal(t, 2, q.ReadyCurrent)
	assert.Equal(t, 5, q.ReadyMax)
	assert.InDelta(t, 1.46, q.ReadyAvg, 0.01)
}

func TestTPSCounter_CountsWithinWindow(t *testing.T) {
	c := NewTPSCounter(time.Second, 100*time.Millisecond)
	for i := 0; i < 5; i++ {
		c.Increment()
	}
	assert.Greater(t, c.TPS(), 0.0)
}

func TestTPSCounter_RejectsBadArgs(t *testing.T) {
	assert.Panics(t, func() { NewTPSCounter(0, time.Second) })
	assert.Panics(t, func() { NewTPSCounter(time.Second, 0) })
	assert.Panics(t, func() { NewTPSCounter(time.Second, 2*time.Second) })
}

func TestMetrics_SpawnedAndCompletedCounters(t *testing.T) {
	m := newMetrics()
	m.taskSpawned()
	m.taskSpawned()
	m.taskCompleted()

	require.EqualValues(t, 2, m.TasksSpawned())
	require.EqualValues(t, 1, m.TasksCompleted())
	assert.GreaterOrEqual(t, m.SpawnRate(), 0.0)
}
