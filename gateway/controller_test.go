package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsgate/tsgate/config"
	"github.com/tsgate/tsgate/pool"
	"github.com/tsgate/tsgate/status"
)

// controllerFixture builds the minimum worker state for the queue-limit
// controller without touching epoll or sockets.
func controllerFixture(t *testing.T) (*worker, *Conn) {
	t.Helper()
	pools, err := pool.NewGroup(0)
	require.NoError(t, err)
	w := &worker{
		id:       0,
		cfg:      config.Default(),
		registry: status.NewRegistry(),
		pools:    pools,
		epfd:     -1,
	}
	c := &Conn{w: w, fd: -1, statusIdx: -1}
	c.q.Init(false, nil)
	return w, c
}

func TestQueueLimitDefaultBurst(t *testing.T) {
	w, c := controllerFixture(t)
	w.pools.RegisterStream()

	limit := c.computeQueueLimit(0)
	bufSize := w.pools.Media.BufSize()
	fair := w.pools.Media.NumBuffers() * bufSize
	assert.Equal(t, int(float64(fair)*queueBurstFactor), limit,
		"single relaxed client gets the full 3x burst")
}

func TestQueueLimitFairShare(t *testing.T) {
	w, c := controllerFixture(t)
	for i := 0; i < 4; i++ {
		w.pools.RegisterStream()
	}
	limit := c.computeQueueLimit(0)
	bufSize := w.pools.Media.BufSize()
	fair := w.pools.Media.NumBuffers() / 4 * bufSize
	assert.Equal(t, int(float64(fair)*queueBurstFactor), limit)
}

func TestQueueLimitFloor(t *testing.T) {
	w, c := controllerFixture(t)
	// Even absurd pressure cannot push the limit below four buffers.
	lim := c.clampLimit(0, 0)
	assert.Equal(t, 4*w.pools.Media.BufSize(), lim)
}

func TestQueueLimitHardCap(t *testing.T) {
	w, c := controllerFixture(t)
	bufSize := w.pools.Media.BufSize()
	maxBytes := w.pools.Media.MaxBuffers() * bufSize
	reserve := queueMinBuffers * bufSize

	lim := c.clampLimit(maxBytes*10, 3.0)
	assert.Equal(t, maxBytes-reserve, lim, "hard cap is pool max minus reserve")
}

func TestSlowFlagEntryAndExit(t *testing.T) {
	w, c := controllerFixture(t)
	w.pools.RegisterStream()

	bufSize := w.pools.Media.BufSize()
	fair := float64(w.pools.Media.NumBuffers() * bufSize)
	high := fair * 2.5 // comfortably above the 1.5x entry threshold

	// Sustained high EWMA: no flag before the debounce window.
	c.queueAvgBytes = high
	c.computeQueueLimit(0)
	assert.False(t, c.slowActive)

	c.queueAvgBytes = high
	c.computeQueueLimit(queueSlowDebounceMS - 1)
	assert.False(t, c.slowActive, "debounce window not yet elapsed")

	c.queueAvgBytes = high
	c.computeQueueLimit(queueSlowDebounceMS)
	assert.True(t, c.slowActive, "3s of sustained pressure latches the flag")

	// While slow, the burst clamps to 0.8x fair.
	c.queueAvgBytes = high
	limit := c.computeQueueLimit(queueSlowDebounceMS + 100)
	assert.True(t, c.slowActive)
	assert.Equal(t, int(fair*queueSlowClampFactor), limit)

	// Dropping below the exit threshold clears the flag.
	c.queueAvgBytes = 0
	c.computeQueueLimit(queueSlowDebounceMS + 200)
	assert.False(t, c.slowActive)
}

func TestSlowExitBelowEntryInvariant(t *testing.T) {
	w, c := controllerFixture(t)
	w.pools.RegisterStream()

	// Check exit < entry at the default pool load, then verify behaviorally:
	// once latched, an EWMA between exit and entry keeps the flag asserted.
	bufSize := w.pools.Media.BufSize()
	fair := float64(w.pools.Media.NumBuffers() * bufSize)

	entry := fair * queueSlowFactor
	exit := fair * queueSlowExitFactor
	require.Less(t, exit, entry)

	// Force the latch, then park the EWMA between exit and entry: the flag
	// must stay asserted (hysteresis), not oscillate.
	c.queueAvgBytes = entry * 2
	c.computeQueueLimit(0)
	c.queueAvgBytes = entry * 2
	c.computeQueueLimit(queueSlowDebounceMS)
	require.True(t, c.slowActive)

	// The controller folds the (empty) queue into the EWMA before comparing,
	// so seed a value whose decayed average lands between exit and entry.
	between := (entry + exit) / 2
	c.queueAvgBytes = between / (1 - queueEWMAAlpha)
	c.computeQueueLimit(queueSlowDebounceMS + 100)
	assert.True(t, c.slowActive, "EWMA between exit and entry keeps the flag")
}

func TestEWMAUpdate(t *testing.T) {
	_, c := controllerFixture(t)
	c.w.pools.RegisterStream()

	// Empty queue decays the average geometrically.
	c.queueAvgBytes = 1000
	c.computeQueueLimit(0)
	assert.InDelta(t, 800, c.queueAvgBytes, 0.01, "alpha=0.2 decay toward zero")
}

func TestDropAccounting(t *testing.T) {
	_, c := controllerFixture(t)
	c.recordDrop(1316)
	c.recordDrop(1316)
	assert.Equal(t, uint64(2), c.droppedPackets)
	assert.Equal(t, uint64(2632), c.droppedBytes)
	assert.Equal(t, uint64(2), c.backpressureEvents)
}
