package containers

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedRingQueue(t *testing.T) {
	q := NewRingQueue[int](2)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.True(t, q.IsFull())
	assert.True(t, errors.Is(q.Enqueue(3), ErrQueueFull))

	v, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, q.Enqueue(3))

	var seen []int
	q.Each(func(v int) { seen = append(seen, v) })
	assert.Equal(t, []int{2, 3}, seen)
}

func TestGrowableRingQueueKeepsOrder(t *testing.T) {
	q := NewGrowableRingQueue[int](1)
	// interleave so growth happens with a wrapped read index
	next := 0
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(i))
		if i%3 == 0 {
			v, err := q.Dequeue()
			require.NoError(t, err)
			assert.Equal(t, next, v)
			next++
		}
	}
	for !q.IsEmpty() {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, next, v)
		next++
	}
	assert.Equal(t, 100, next)

	_, err := q.Dequeue()
	assert.True(t, errors.Is(err, ErrQueueEmpty))
	_, err = q.Peek()
	assert.True(t, errors.Is(err, ErrQueueEmpty))
}
