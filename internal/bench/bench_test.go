package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryStatistics(t *testing.T) {
	c := New(100)
	for i := 1; i <= 100; i++ {
		c.Record(SeriesSyscall, time.Duration(i)*time.Microsecond)
	}

	s, ok := c.Summary(SeriesSyscall)
	require.True(t, ok)
	assert.Equal(t, uint64(100), s.Count)
	assert.InDelta(t, 50500.0, s.Mean, 1) // mean of 1..100 us in ns
	assert.Equal(t, 1000.0, s.Min)
	assert.Equal(t, 100000.0, s.Max)
	assert.InDelta(t, 50000.0, s.P50, 1000)
	assert.InDelta(t, 95000.0, s.P95, 1000)
	assert.Greater(t, s.Stddev, 0.0)
}

func TestReservoirBounded(t *testing.T) {
	c := New(64)
	for i := 0; i < 10000; i++ {
		c.Record(SeriesDispatch, time.Microsecond)
	}

	s, ok := c.Summary(SeriesDispatch)
	require.True(t, ok)
	assert.Equal(t, uint64(10000), s.Count)
	assert.Equal(t, 1000.0, s.Mean) // every sample identical
}

func TestEmptySeries(t *testing.T) {
	c := New(0)
	_, ok := c.Summary("nothing")
	assert.False(t, ok)
	assert.Empty(t, c.Summaries())
}

func TestSummariesSorted(t *testing.T) {
	c := New(16)
	c.Record(SeriesSyscall, time.Microsecond)
	c.Record(SeriesDispatch, time.Microsecond)
	c.Record(SeriesIPC, time.Microsecond)

	all := c.Summaries()
	require.Len(t, all, 3)
	assert.Equal(t, SeriesDispatch, all[0].Series)
	assert.Equal(t, SeriesIPC, all[1].Series)
	assert.Equal(t, SeriesSyscall, all[2].Series)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() { c.Record(SeriesSyscall, time.Second) })
	_, ok := c.Summary(SeriesSyscall)
	assert.False(t, ok)
	assert.Nil(t, c.Summaries())
	assert.Zero(t, c.Uptime())
}
