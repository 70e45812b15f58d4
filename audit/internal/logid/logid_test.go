package logid

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadNode(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)

	_, err = New(MaxNode + 1)
	assert.Error(t, err)

	g, err := New(MaxNode)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxNode), Node(g.Next()))
}

func TestNext_StrictlyIncreasing(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	prev := g.NextString()
	for i := 0; i < 10000; i++ {
		next := g.NextString()
		require.Len(t, next, Width)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNext_ClockGoesBackwards(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	g, err := NewWithClock(1, clock)
	require.NoError(t, err)

	first := g.Next()
	now = now.Add(-5 * time.Second)
	second := g.Next()

	assert.Greater(t, second, first)
	assert.Equal(t, Time(first), Time(second))
}

func TestNext_SequenceOverflowBorrowsNextMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, err := NewWithClock(2, func() time.Time { return now })
	require.NoError(t, err)

	var last int64
	for i := 0; i <= maxSequence+1; i++ {
		id := g.Next()
		require.Greater(t, id, last)
		last = id
	}

	assert.Equal(t, now.Add(time.Millisecond), Time(last))
}

func TestNext_Concurrent(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestFormatParse(t *testing.T) {
	ids := []int64{0, 1, 42, 1 << 40, 1<<62 + 12345}
	rendered := make([]string, len(ids))
	for i, id := range ids {
		rendered[i] = Format(id)
		back, err := Parse(rendered[i])
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
	assert.True(t, sort.StringsAreSorted(rendered))

	_, err := Parse("123")
	assert.Error(t, err)
	_, err = Parse("00000000000000000x1")
	assert.Error(t, err)
}

func TestDefaultNode(t *testing.T) {
	n := DefaultNode()
	assert.GreaterOrEqual(t, n, int64(0))
	assert.LessOrEqual(t, n, int64(MaxNode))
}

func TestTime(t *testing.T) {
	at := time.Date(2025, 6, 1, 8, 30, 0, 123_000_000, time.UTC)
	g, err := NewWithClock(0, func() time.Time { return at })
	require.NoError(t, err)
	assert.True(t, Time(g.Next()).Equal(at))
}
