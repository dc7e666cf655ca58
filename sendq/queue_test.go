package sendq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/pool"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New("sendq-test", 256, 16, 64, 16, 4, 32)
	require.NoError(t, err)
	return p
}

func allocWithData(t *testing.T, p *pool.Pool, n int) *pool.Buffer {
	t.Helper()
	b := p.Alloc()
	require.NotNil(t, b)
	for i := 0; i < n; i++ {
		b.Backing()[i] = byte(i)
	}
	b.SetRange(0, n)
	return b
}

// fakeSend replaces the sendmsg seam; each call accepts the byte count that
// accept returns, and a negative count reports EAGAIN.
func fakeSend(t *testing.T, accept func(call int, total int) int) func() {
	t.Helper()
	call := 0
	old := sendmsgBuffers
	sendmsgBuffers = func(fd int, bufs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error) {
		total := 0
		for _, b := range bufs {
			total += len(b)
		}
		call++
		n := accept(call, total)
		if n < 0 {
			return 0, unix.EAGAIN
		}
		return n, nil
	}
	return func() { sendmsgBuffers = old }
}

func TestEnqueueRefcounts(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	b := allocWithData(t, p, 100)
	assert.True(t, q.Enqueue(b))
	assert.Equal(t, 2, b.Refs(), "queue holds one reference")
	assert.Equal(t, 1, q.NumQueued())
	assert.Equal(t, 100, q.TotalBytes())

	b.Put()
	assert.Equal(t, 1, b.Refs())

	q.Cleanup()
	assert.Equal(t, p.NumBuffers(), p.NumFree(), "cleanup releases queue references")
}

func TestEnqueueZeroByteIsNoop(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	b := p.Alloc()
	require.NotNil(t, b)
	assert.True(t, q.Enqueue(b))
	assert.Equal(t, 0, q.NumQueued())
	assert.Equal(t, 1, b.Refs())
	b.Put()
}

func TestDrainFullSendWithoutZerocopy(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	for i := 0; i < 3; i++ {
		b := allocWithData(t, p, 50)
		q.Enqueue(b)
		b.Put()
	}
	restore := fakeSend(t, func(call, total int) int { return total })
	defer restore()

	sent, st := q.Drain(9)
	assert.Equal(t, OK, st)
	assert.Equal(t, 150, sent)
	assert.True(t, q.Empty())
	assert.True(t, q.PendingEmpty(), "non-zerocopy drains release immediately")
	assert.Equal(t, p.NumBuffers(), p.NumFree())
}

func TestDrainPartialSend(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	for i := 0; i < 2; i++ {
		b := allocWithData(t, p, 100)
		q.Enqueue(b)
		b.Put()
	}
	// First call accepts one and a half buffers, then would block.
	restore := fakeSend(t, func(call, total int) int {
		if call == 1 {
			return 150
		}
		return -1
	})
	defer restore()

	sent, st := q.Drain(9)
	assert.Equal(t, OK, st)
	assert.Equal(t, 150, sent)
	assert.Equal(t, 1, q.NumQueued())
	assert.Equal(t, 50, q.TotalBytes())

	_, st = q.Drain(9)
	assert.Equal(t, Blocked, st)
	q.Cleanup()
}

func TestZerocopyPendingGatesCompletion(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(true, nil)

	for i := 0; i < 3; i++ {
		b := allocWithData(t, p, 64)
		q.Enqueue(b)
		b.Put()
	}
	restore := fakeSend(t, func(call, total int) int { return total })
	defer restore()

	sent, st := q.Drain(9)
	assert.Equal(t, OK, st)
	assert.Equal(t, 192, sent)
	assert.True(t, q.Empty())
	assert.False(t, q.PendingEmpty(), "zerocopy send must retain entries until completion")
	assert.Equal(t, 3, q.NumPending())
	assert.NotEqual(t, p.NumBuffers(), p.NumFree())

	// Completion of generation 0 releases every entry of that send.
	released := q.OnCompletion(0, 0)
	assert.Equal(t, 3, released)
	assert.True(t, q.PendingEmpty())
	assert.Equal(t, p.NumBuffers(), p.NumFree())
}

func TestCompletionReleasesExactlyOnce(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(true, nil)

	restore := fakeSend(t, func(call, total int) int { return total })
	defer restore()

	// Two separate sends produce two generations.
	for gen := 0; gen < 2; gen++ {
		b := allocWithData(t, p, 32)
		q.Enqueue(b)
		b.Put()
		_, st := q.Drain(9)
		require.Equal(t, OK, st)
	}
	assert.Equal(t, 2, q.NumPending())

	assert.Equal(t, 1, q.OnCompletion(1, 1), "only generation 1 entries release")
	assert.Equal(t, 1, q.NumPending())
	assert.Equal(t, 1, q.OnCompletion(0, 0))
	assert.True(t, q.PendingEmpty())
	assert.Equal(t, p.NumBuffers(), p.NumFree())
}

func TestCompletionWraparoundRange(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(true, nil)
	q.nextGenID = 0xFFFFFFFF

	restore := fakeSend(t, func(call, total int) int { return total })
	defer restore()

	for i := 0; i < 2; i++ {
		b := allocWithData(t, p, 16)
		q.Enqueue(b)
		b.Put()
		_, st := q.Drain(9)
		require.Equal(t, OK, st)
	}
	// Generations 0xFFFFFFFF and 0x0; a wrapped range covers both.
	released := q.OnCompletion(0xFFFFFFFF, 0)
	assert.Equal(t, 2, released)
	assert.True(t, q.PendingEmpty())
}

func TestShouldFlushByDeadline(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	fakeNow := int64(10_000)
	oldNow := nowMillis
	nowMillis = func() int64 { return fakeNow }
	defer func() { nowMillis = oldNow }()

	assert.False(t, q.ShouldFlush(), "empty queue never flushes")

	b := allocWithData(t, p, 100)
	q.Enqueue(b)
	b.Put()
	assert.False(t, q.ShouldFlush(), "small fresh batch waits")

	fakeNow += BatchDeadline.Milliseconds()
	assert.True(t, q.ShouldFlush(), "deadline forces a flush")
	q.Cleanup()
}

func TestEnqueueFileDrainsViaSendfile(t *testing.T) {
	var q Queue
	q.Init(false, nil)

	oldSend := sendFile
	oldClose := closeFD
	var closed []int
	sendFile = func(outfd, infd int, offset *int64, count int) (int, error) {
		// Accept half on the first call, the rest afterwards.
		if *offset == 100 {
			return count / 2, nil
		}
		return count, nil
	}
	closeFD = func(fd int) error {
		closed = append(closed, fd)
		return nil
	}
	defer func() { sendFile, closeFD = oldSend, oldClose }()

	require.True(t, q.EnqueueFile(42, 100, 1000))
	assert.False(t, q.EnqueueFile(-1, 0, 10), "bad descriptor rejected")

	sent, st := q.Drain(9)
	assert.Equal(t, OK, st)
	assert.Equal(t, 500, sent)
	assert.Equal(t, 1, q.NumQueued(), "half-sent file stays queued")

	sent, st = q.Drain(9)
	assert.Equal(t, OK, st)
	assert.Equal(t, 500, sent)
	assert.True(t, q.Empty())
	assert.Equal(t, []int{42}, closed, "descriptor closes once fully drained")
}

func TestCleanupClosesQueuedFiles(t *testing.T) {
	var q Queue
	q.Init(false, nil)

	oldClose := closeFD
	var closed []int
	closeFD = func(fd int) error {
		closed = append(closed, fd)
		return nil
	}
	defer func() { closeFD = oldClose }()

	require.True(t, q.EnqueueFile(7, 0, 10))
	q.Cleanup()
	assert.Equal(t, []int{7}, closed)
}

func TestDrainWouldBlock(t *testing.T) {
	p := testPool(t)
	var q Queue
	q.Init(false, nil)

	b := allocWithData(t, p, 10)
	q.Enqueue(b)
	b.Put()

	restore := fakeSend(t, func(call, total int) int { return -1 })
	defer restore()

	sent, st := q.Drain(9)
	assert.Equal(t, Blocked, st)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, q.NumQueued(), "blocked drain keeps the queue intact")
	q.Cleanup()
}
