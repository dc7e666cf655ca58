package gateway

import (
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/pool"
	"github.com/tsgate/tsgate/sendq"
)

// Queue-limit controller tuning. The controller gives each streaming client
// a fair share of pool bytes, allows short bursts, and latches a slow flag
// on chronically backed-up clients.
const (
	tcpUserTimeoutMS = 10000

	queueMinBuffers          = 64
	queueBurstFactor         = 3.0
	queueBurstCongested      = 1.5
	queueBurstDrain          = 1.0
	queueEWMAAlpha           = 0.2
	queueSlowFactor          = 1.5
	queueSlowExitFactor      = 1.1
	queueSlowDebounceMS      = 3000
	queueHighUtilThreshold   = 0.85
	queueDrainUtilThreshold  = 0.95
	queueSlowLimitRatio      = 0.9
	queueSlowExitLimitRatio  = 0.75
	queueSlowClampFactor     = 0.8
	backpressureLogEveryNth  = 200
)

type connState int

const (
	connReadRequest connState = iota
	connStreaming
	connSSE
	connClosing
)

type bufferClass int

const (
	classControl bufferClass = iota
	classMedia
)

// Conn is one accepted client connection.
type Conn struct {
	w          *worker
	fd         int
	state      connState
	remoteAddr string

	inbuf []byte
	req   httpRequest

	q               sendq.Queue
	zerocopyEnabled bool
	wantWrite       bool

	stream           *streamContext
	teardownDeferred bool
	streaming        bool
	streamRegistered bool
	sseActive        bool
	sseLastBeatMS    int64
	statusIdx        int
	bufferClass      bufferClass

	// Queue-limit controller state.
	queueAvgBytes      float64
	slowActive         bool
	slowCandidate      bool
	slowCandidateSince int64
	queueLimitBytes    int
	queueBytesHW       int
	queueBuffersHW     int
	droppedPackets     uint64
	droppedBytes       uint64
	backpressureEvents uint64

	next *Conn
}

func newConn(w *worker, fd int, remote string) *Conn {
	c := &Conn{
		w:          w,
		fd:         fd,
		state:      connReadRequest,
		remoteAddr: remote,
		statusIdx:  -1,
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, tcpUserTimeoutMS); err != nil {
		log.Debug("TCP_USER_TIMEOUT failed", "err", err)
	}
	if w.zerocopyOK {
		if unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1) == nil {
			c.zerocopyEnabled = true
		}
	}
	c.q.Init(c.zerocopyEnabled, w.counters)
	return c
}

func (c *Conn) allocOutput() *pool.Buffer {
	if c.bufferClass == classControl {
		return c.w.pools.AllocControl()
	}
	return c.w.pools.Alloc()
}

// queueBytesOut copies data into pool buffers and enqueues them. Control
// plane only; media uses queueMedia's zero-copy path.
func (c *Conn) queueBytesOut(data []byte) bool {
	for len(data) > 0 {
		b := c.allocOutput()
		if b == nil {
			log.Warn("pool exhausted, dropping control payload", "len", len(data))
			return false
		}
		n := copy(b.Backing(), data)
		b.SetRange(0, n)
		c.q.Enqueue(b)
		b.Put()
		data = data[n:]
	}
	return true
}

// queueBytesAndFlush queues control bytes and requests writability.
func (c *Conn) queueBytesAndFlush(data []byte) bool {
	ok := c.queueBytesOut(data)
	c.enableWrite()
	return ok
}

// computeQueueLimit runs the controller for one enqueue: refreshes the
// EWMA, maintains the slow flag, and returns the current byte limit.
func (c *Conn) computeQueueLimit(now int64) int {
	p := c.w.pools.Media
	bufSize := p.BufSize()

	active := c.w.pools.ActiveStreams()
	if active == 0 {
		active = 1
	}
	share := p.NumBuffers() / active
	if share < queueMinBuffers {
		share = queueMinBuffers
	}
	fairBytes := share * bufSize

	util := p.Utilization()
	burst := queueBurstFactor
	if p.NumBuffers() >= p.MaxBuffers() || util >= queueHighUtilThreshold {
		burst = queueBurstCongested
	}
	if p.NumFree() < p.LowWatermark()/2 || util >= queueDrainUtilThreshold {
		burst = queueBurstDrain
	}

	queueMemBytes := float64(c.q.NumQueued() * bufSize)
	if c.queueAvgBytes <= 0 {
		c.queueAvgBytes = queueMemBytes
	} else {
		c.queueAvgBytes = (1-queueEWMAAlpha)*c.queueAvgBytes + queueEWMAAlpha*queueMemBytes
	}

	burstedBytes := c.clampLimit(fairBytes, burst)

	// Entry and exit thresholds, capped as limit fractions so that exit
	// always sits below entry.
	slowEntry := float64(fairBytes) * queueSlowFactor
	if lim := float64(burstedBytes) * queueSlowLimitRatio; slowEntry > lim {
		slowEntry = lim
	}
	slowExit := float64(fairBytes) * queueSlowExitFactor
	if lim := float64(burstedBytes) * queueSlowExitLimitRatio; slowExit > lim {
		slowExit = lim
	}
	if slowExit >= slowEntry {
		slowExit = slowEntry * queueSlowExitLimitRatio
	}

	if c.queueAvgBytes > slowEntry {
		if !c.slowCandidate {
			c.slowCandidate = true
			c.slowCandidateSince = now
		} else if !c.slowActive && now-c.slowCandidateSince >= queueSlowDebounceMS {
			c.slowActive = true
			log.Info("client flagged slow", "fd", c.fd, "avg_bytes", int(c.queueAvgBytes))
		}
	} else {
		c.slowCandidate = false
	}
	if c.slowActive && c.queueAvgBytes < slowExit {
		c.slowActive = false
		c.slowCandidate = false
		log.Info("client recovered from slow", "fd", c.fd)
	}

	if c.slowActive && burst > queueSlowClampFactor {
		burst = queueSlowClampFactor
	}
	return c.clampLimit(fairBytes, burst)
}

// clampLimit applies the hard cap (pool max minus the reserve) and the
// floor of four buffers.
func (c *Conn) clampLimit(fairBytes int, burst float64) int {
	p := c.w.pools.Media
	bufSize := p.BufSize()
	limit := int(float64(fairBytes) * burst)

	if p.MaxBuffers() > 0 {
		globalCap := p.MaxBuffers() * bufSize
		reserve := queueMinBuffers * bufSize
		hardCap := globalCap
		if globalCap > reserve {
			hardCap = globalCap - reserve
		}
		if limit > hardCap {
			limit = hardCap
		}
	}
	if floor := 4 * bufSize; limit < floor {
		limit = floor
	}
	return limit
}

func (c *Conn) recordDrop(n int) {
	c.droppedPackets++
	c.droppedBytes += uint64(n)
	c.backpressureEvents++
}

func (c *Conn) reportQueue() {
	if c.statusIdx < 0 {
		return
	}
	bufSize := c.w.pools.Media.BufSize()
	c.w.registry.UpdateQueue(c.statusIdx,
		int64(c.q.NumQueued()*bufSize), int64(c.q.NumQueued()),
		int64(c.queueLimitBytes),
		int64(c.queueBytesHW), int64(c.queueBuffersHW),
		c.droppedPackets, c.droppedBytes, c.backpressureEvents, c.slowActive)
}

// queueMedia applies admission control and enqueues one media buffer.
// Returns the number of bytes queued, or -1 when the unit was dropped.
func (c *Conn) queueMedia(b *pool.Buffer) int {
	if b == nil || b.Len() == 0 {
		return 0
	}
	if c.state == connClosing {
		return -1
	}

	now := c.w.now
	limit := c.computeQueueLimit(now)
	c.queueLimitBytes = limit

	bufSize := c.w.pools.Media.BufSize()
	queuedBytes := c.q.NumQueued() * bufSize
	if queuedBytes+b.Len() > limit {
		c.recordDrop(b.Len())
		if c.backpressureEvents == 1 || c.backpressureEvents%backpressureLogEveryNth == 0 {
			log.Debug("backpressure drop",
				"fd", c.fd, "bytes", b.Len(), "queued", queuedBytes,
				"limit", limit, "drops", c.droppedPackets)
		}
		c.reportQueue()
		return -1
	}

	c.q.Enqueue(b)

	if queuedBytes > c.queueBytesHW {
		c.queueBytesHW = queuedBytes
	}
	if n := c.q.NumQueued(); n > c.queueBuffersHW {
		c.queueBuffersHW = n
	}
	c.reportQueue()

	// Writability interest is deferred until a batch is worth flushing;
	// the worker tick catches the deadline case.
	if c.q.ShouldFlush() {
		c.enableWrite()
	}
	return b.Len()
}

func (c *Conn) enableWrite() {
	if c.wantWrite {
		return
	}
	c.wantWrite = true
	c.w.updateConnEvents(c)
}

func (c *Conn) disableWrite() {
	if !c.wantWrite {
		return
	}
	c.wantWrite = false
	c.w.updateConnEvents(c)
}

type writeStatus int

const (
	writeIdle writeStatus = iota
	writePending
	writeBlocked
	writeClosed
)

// handleWrite drains the queue into the socket.
func (c *Conn) handleWrite() writeStatus {
	if c.q.Empty() {
		c.reportQueue()
		if c.state == connClosing && c.q.PendingEmpty() {
			return writeClosed
		}
		c.disableWrite()
		return writeIdle
	}

	_, st := c.q.Drain(c.fd)
	switch st {
	case sendq.Closed:
		c.state = connClosing
		c.reportQueue()
		return writeClosed
	case sendq.Blocked:
		c.reportQueue()
		return writeBlocked
	}

	if !c.q.Empty() {
		c.reportQueue()
		return writePending
	}
	c.disableWrite()
	c.reportQueue()
	if c.state == connClosing && c.q.PendingEmpty() {
		return writeClosed
	}
	return writeIdle
}

// handleRead consumes request bytes until the head is complete, then routes.
func (c *Conn) handleRead() {
	if len(c.inbuf) < inbufMax {
		var tmp [4096]byte
		n, err := unix.Read(c.fd, tmp[:])
		if n > 0 {
			c.inbuf = append(c.inbuf, tmp[:n]...)
		} else if n == 0 || (err != nil && err != unix.EAGAIN && err != unix.EINTR) {
			c.state = connClosing
			return
		}
	}

	if c.state != connReadRequest {
		return
	}
	req, consumed, ok := parseRequest(c.inbuf)
	if !ok {
		c.queueBytesAndFlush(responseHead(400, contentHTML, "", true))
		c.state = connClosing
		return
	}
	if consumed == 0 {
		if len(c.inbuf) >= inbufMax {
			c.queueBytesAndFlush(responseHead(400, contentHTML, "", true))
			c.state = connClosing
		}
		return
	}
	c.inbuf = c.inbuf[consumed:]
	c.req = req
	c.route()
}
