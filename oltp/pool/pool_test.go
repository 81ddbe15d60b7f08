package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObj struct {
	idle bool
}

func (f *fakeObj) IsIdle() bool { return f.idle }

func TestPoolRoundTrip(t *testing.T) {
	created := 0
	p := NewObjectPool("fake", 4, true, func() Poolable {
		created++
		return &fakeObj{idle: true}
	})

	obj := p.Acquire().(*fakeObj)
	require.Equal(t, 1, created)
	assert.Equal(t, 0, p.IdleCount())

	require.NoError(t, p.Release(obj))
	assert.Equal(t, 1, p.IdleCount())

	// the same instance comes back, by identity
	again := p.Acquire().(*fakeObj)
	assert.True(t, obj == again)
	assert.Equal(t, 1, created)
}

func TestPoolRejectsLiveObject(t *testing.T) {
	p := NewObjectPool("fake", 4, false, func() Poolable { return &fakeObj{idle: true} })
	obj := p.Acquire().(*fakeObj)
	obj.idle = false
	assert.Error(t, p.Release(obj))
	assert.Error(t, p.Release(nil))
	assert.Equal(t, 0, p.IdleCount())
}

func TestPoolIdleCap(t *testing.T) {
	p := NewObjectPool("fake", 2, false, func() Poolable { return &fakeObj{idle: true} })
	objs := make([]*fakeObj, 5)
	for i := range objs {
		objs[i] = p.Acquire().(*fakeObj)
	}
	for _, obj := range objs {
		require.NoError(t, p.Release(obj))
	}
	// overflow beyond the idle cap is dropped
	assert.Equal(t, 2, p.IdleCount())
}

func TestPoolProfiling(t *testing.T) {
	p := NewObjectPool("fake", 4, true, func() Poolable { return &fakeObj{idle: true} })
	a := p.Acquire()
	require.NoError(t, p.Release(a))
	b := p.Acquire()
	require.NoError(t, p.Release(b))

	st := p.Stats()
	assert.Equal(t, "fake", st.Name)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(2), st.Released)
	assert.Equal(t, int64(1), st.HighWater)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p1 := r.Register(NewObjectPool("a", 1, false, func() Poolable { return &fakeObj{idle: true} }))
	r.Register(NewObjectPool("b", 1, false, func() Poolable { return &fakeObj{idle: true} }))

	require.Len(t, r.Pools(), 2)
	require.NoError(t, p1.Release(p1.Acquire()))
	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, 1, stats[0].Idle)
}
