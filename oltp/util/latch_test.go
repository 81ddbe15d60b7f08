package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountDownLatch(t *testing.T) {
	l := NewCountDownLatch(2)
	assert.Equal(t, 2, l.Count())
	assert.False(t, l.AwaitTimeout(10*time.Millisecond))

	l.CountDown()
	assert.Equal(t, 1, l.Count())
	l.CountDown()
	assert.Equal(t, 0, l.Count())
	assert.True(t, l.AwaitTimeout(time.Second))

	// counting past zero is a no-op
	l.CountDown()
	assert.Equal(t, 0, l.Count())
}

func TestCountDownLatchZero(t *testing.T) {
	l := NewCountDownLatch(0)
	done := make(chan struct{})
	go func() {
		l.Await()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("latch with zero count should not block")
	}
}

func TestPartitionSet(t *testing.T) {
	ps := NewPartitionSet(3, 1, 3)
	require.Equal(t, 2, ps.Size())
	assert.True(t, ps.Contains(1))
	assert.True(t, ps.Contains(3))
	assert.False(t, ps.Contains(2))

	ps = ps.Add(2)
	assert.Equal(t, PartitionSet{1, 2, 3}, ps)

	ps = ps.Remove(2)
	assert.Equal(t, PartitionSet{1, 3}, ps)
	assert.True(t, ps.Equals(NewPartitionSet(1, 3)))

	cp := ps.Copy()
	cp = cp.Add(9)
	assert.False(t, ps.Contains(9))
	assert.False(t, ps.IsEmpty())
	assert.True(t, NewPartitionSet().IsEmpty())
}
