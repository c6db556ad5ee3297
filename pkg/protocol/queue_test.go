package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OrderAndClose(t *testing.T) {
	q := newQueue[int]()

	for i := range 1000 {
		q.push(i)
	}

	q.close()
	q.push(-1)

	for i := range 1000 {
		v, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := newQueue[string]()

	got := make(chan string, 1)

	go func() {
		v, _ := q.pop()
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.push("late")

	select {
	case v := <-got:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not return")
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newRegistry[string]()
	r.add(0, "zero")
	r.add(-3, "negative")

	h, ok := r.remove(0)
	assert.True(t, ok)
	assert.Equal(t, "zero", h)

	_, ok = r.remove(0)
	assert.False(t, ok)

	assert.True(t, r.contains(-3))
	assert.Equal(t, 1, r.len())

	drained := r.drain()
	assert.Equal(t, map[OperationID]string{-3: "negative"}, drained)
	assert.Zero(t, r.len())
}
