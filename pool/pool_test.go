package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, initial, max, expand int) *Pool {
	t.Helper()
	p, err := New("test", 64, initial, max, expand, 4, initial*2)
	require.NoError(t, err)
	return p
}

func TestAllocReleaseCycle(t *testing.T) {
	p := newTestPool(t, 8, 16, 4)
	assert.Equal(t, 8, p.NumBuffers())
	assert.Equal(t, 8, p.NumFree())

	b := p.Alloc()
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Refs())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 7, p.NumFree())

	b.Put()
	assert.Equal(t, 8, p.NumFree())

	// Re-allocation yields refcount 1 and a reset data window.
	b2 := p.Alloc()
	require.NotNil(t, b2)
	assert.Equal(t, 1, b2.Refs())
	assert.Equal(t, 0, b2.Len())
	assert.Equal(t, 0, b2.Offset())
	b2.Put()
}

func TestRefcounting(t *testing.T) {
	p := newTestPool(t, 4, 8, 4)
	b := p.Alloc()
	require.NotNil(t, b)

	b.Get()
	b.Get()
	assert.Equal(t, 3, b.Refs())

	b.Put()
	b.Put()
	assert.Equal(t, 1, b.Refs())
	assert.Equal(t, 3, p.NumFree(), "buffer must not return to pool while held")

	b.Put()
	assert.Equal(t, 4, p.NumFree())
}

func TestGrowthUpToMax(t *testing.T) {
	p := newTestPool(t, 4, 10, 4)

	var held []*Buffer
	for i := 0; i < 10; i++ {
		b := p.Alloc()
		require.NotNil(t, b, "allocation %d within max must succeed", i)
		held = append(held, b)
	}
	assert.Equal(t, 10, p.NumBuffers())
	assert.Equal(t, 0, p.NumFree())

	// At max with nothing free the pool fails gracefully.
	assert.Nil(t, p.Alloc())

	for _, b := range held {
		b.Put()
	}
	assert.Equal(t, p.NumBuffers(), p.NumFree())
}

func TestQuiescentAllFree(t *testing.T) {
	p := newTestPool(t, 8, 32, 8)
	var bufs []*Buffer
	for i := 0; i < 20; i++ {
		b := p.Alloc()
		require.NotNil(t, b)
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		b.Put()
	}
	assert.Equal(t, p.NumBuffers(), p.NumFree(),
		"after quiescence every buffer must be back on the free list")
}

func TestTryShrink(t *testing.T) {
	fakeNow := int64(1_000_000)
	old := nowMillis
	nowMillis = func() int64 { return fakeNow }
	defer func() { nowMillis = old }()

	p, err := New("shrink", 64, 4, 32, 4, 2, 4)
	require.NoError(t, err)

	// Force expansion well past the high watermark.
	var bufs []*Buffer
	for i := 0; i < 16; i++ {
		bufs = append(bufs, p.Alloc())
	}
	for _, b := range bufs {
		b.Put()
	}
	grown := p.NumBuffers()
	require.Greater(t, grown, 4)

	// Too soon after growth: no shrink.
	p.TryShrink(false)
	assert.Equal(t, grown, p.NumBuffers())

	fakeNow += shrinkIdleMillis + 1

	// Slow clients present: no shrink.
	p.TryShrink(true)
	assert.Equal(t, grown, p.NumBuffers())

	p.TryShrink(false)
	assert.Less(t, p.NumBuffers(), grown, "idle pool above high watermark must shrink")
	assert.GreaterOrEqual(t, p.NumBuffers(), 4, "never below initial size")
	assert.Equal(t, p.NumBuffers(), p.NumFree())

	// Remaining buffers still usable.
	b := p.Alloc()
	require.NotNil(t, b)
	b.Put()
}

func TestShrinkSkipsHeldSegments(t *testing.T) {
	fakeNow := int64(5_000_000)
	old := nowMillis
	nowMillis = func() int64 { return fakeNow }
	defer func() { nowMillis = old }()

	p, err := New("held", 64, 2, 32, 2, 1, 2)
	require.NoError(t, err)

	var bufs []*Buffer
	for i := 0; i < 12; i++ {
		bufs = append(bufs, p.Alloc())
	}
	// Keep one buffer from the newest segment alive.
	held := bufs[len(bufs)-1]
	for _, b := range bufs[:len(bufs)-1] {
		b.Put()
	}

	fakeNow += shrinkIdleMillis + 1
	before := p.NumBuffers()
	p.TryShrink(false)
	// The newest segment is pinned by the held buffer; an older expansion
	// segment may go, but the held one must survive.
	assert.Equal(t, 1, held.Refs())
	assert.LessOrEqual(t, p.NumBuffers(), before)
	held.Put()
}

func TestControlPoolFallback(t *testing.T) {
	g, err := NewGroup(0)
	require.NoError(t, err)
	b := g.AllocControl()
	require.NotNil(t, b)
	b.Put()

	g.RegisterStream()
	g.RegisterStream()
	assert.Equal(t, 2, g.ActiveStreams())
	g.UnregisterStream()
	assert.Equal(t, 1, g.ActiveStreams())
	g.UnregisterStream()
	g.UnregisterStream()
	assert.Equal(t, 0, g.ActiveStreams())
}

func TestSetRangeBounds(t *testing.T) {
	p := newTestPool(t, 2, 4, 2)
	b := p.Alloc()
	require.NotNil(t, b)

	b.SetRange(4, 16)
	assert.Equal(t, 16, b.Len())
	assert.Equal(t, 4, b.Offset())
	assert.Len(t, b.Bytes(), 16)

	// Out-of-bounds request leaves the window unchanged.
	b.SetRange(0, 1000)
	assert.Equal(t, 16, b.Len())
	b.Put()
}
