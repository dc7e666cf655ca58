// Package sendq implements the per-connection zero-copy send queue: an
// ordered list of buffer references and file slices drained into the socket
// with scatter-gather sendmsg, plus the MSG_ZEROCOPY completion tracking
// that gates connection teardown.
package sendq

import (
	"time"
	"unsafe"

	elog "github.com/eluv-io/log-go"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/pool"
)

var log = elog.Get("tsgate/sendq")

const (
	// MaxIovecs bounds the scatter-gather vector per sendmsg call.
	MaxIovecs = 64

	// BatchBytes is the accumulate-before-flush threshold.
	BatchBytes = 65536

	// BatchDeadline caps how long a queued entry may sit unflushed.
	BatchDeadline = 100 * time.Millisecond
)

// Status is the outcome of a drain attempt.
type Status int

const (
	// OK means the kernel accepted data (possibly zero bytes left queued).
	OK Status = iota
	// Blocked means the socket would block; keep writability interest.
	Blocked
	// Closed means a fatal send error; the connection must close.
	Closed
)

// Counters receives send-path statistics. Any field may be nil.
type Counters struct {
	Sends       *atomic.Uint64
	Completions *atomic.Uint64
	Copied      *atomic.Uint64
	EAgain      *atomic.Uint64
	ENobufs     *atomic.Uint64
	BatchSends  *atomic.Uint64
}

func bump(c *atomic.Uint64) {
	if c != nil {
		c.Add(1)
	}
}

// Syscall seams for tests.
var (
	sendmsgBuffers = unix.SendmsgBuffers
	sendFile       = unix.Sendfile
	recvmsg        = unix.Recvmsg
	closeFD        = unix.Close
)

type entry struct {
	buf *pool.Buffer // nil for file entries
	iov []byte       // unsent window of buf

	fileFD   int
	fileOff  int64
	fileSize int64
	fileSent int64

	genID uint32
	next  *entry
}

func (e *entry) isFile() bool { return e.buf == nil }

// Queue holds the ready list (waiting for the kernel) and the pending list
// (handed to the kernel with MSG_ZEROCOPY, awaiting completion).
type Queue struct {
	head, tail       *entry
	pendingHead      *entry
	pendingTail      *entry
	totalBytes       int
	numQueued        int
	numPending       int
	nextGenID        uint32
	lastCompletedID  uint32
	firstQueuedAtMS  int64
	zerocopyOnSocket bool

	counters *Counters
}

// nowMillis is a seam for tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Init prepares the queue. zerocopy selects the MSG_ZEROCOPY drain path;
// it requires SO_ZEROCOPY to have been set on the socket.
func (q *Queue) Init(zerocopy bool, counters *Counters) {
	if counters == nil {
		counters = &Counters{}
	}
	*q = Queue{zerocopyOnSocket: zerocopy, counters: counters}
}

// NumQueued returns the number of ready entries.
func (q *Queue) NumQueued() int { return q.numQueued }

// NumPending returns the number of entries awaiting kernel completion.
func (q *Queue) NumPending() int { return q.numPending }

// TotalBytes returns the bytes currently in the ready list.
func (q *Queue) TotalBytes() int { return q.totalBytes }

// Empty reports whether the ready list is empty.
func (q *Queue) Empty() bool { return q.head == nil }

// PendingEmpty is the teardown gate: a connection may only be freed when
// both the ready and pending lists are empty.
func (q *Queue) PendingEmpty() bool { return q.pendingHead == nil }

// Enqueue appends a buffer reference. The queue takes its own reference;
// the caller keeps (and eventually drops) its own.
func (q *Queue) Enqueue(b *pool.Buffer) bool {
	if b == nil || b.Len() == 0 {
		return true // zero-byte enqueue is a no-op
	}
	b.Get()
	e := &entry{buf: b, iov: b.Bytes()}
	q.push(e)
	q.totalBytes += len(e.iov)
	return true
}

// EnqueueFile appends a file slice to be sent with sendfile. The queue takes
// ownership of fd and closes it once drained or on Cleanup. File bytes do
// not count toward the batching threshold; callers flush immediately.
func (q *Queue) EnqueueFile(fd int, off, size int64) bool {
	if fd < 0 || size <= 0 {
		return false
	}
	q.push(&entry{buf: nil, fileFD: fd, fileOff: off, fileSize: size})
	return true
}

func (q *Queue) push(e *entry) {
	if q.tail != nil {
		q.tail.next = e
		q.tail = e
	} else {
		q.head, q.tail = e, e
		q.firstQueuedAtMS = nowMillis()
	}
	q.numQueued++
}

func (q *Queue) popHead() *entry {
	e := q.head
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	e.next = nil
	q.numQueued--
	return e
}

// ShouldFlush reports whether enough is batched (or has waited long enough)
// to be worth a sendmsg.
func (q *Queue) ShouldFlush() bool {
	if q.head == nil {
		return false
	}
	if q.totalBytes >= BatchBytes {
		bump(q.counters.BatchSends)
		return true
	}
	return nowMillis()-q.firstQueuedAtMS >= BatchDeadline.Milliseconds()
}

// Drain hands as much of the ready list to the kernel as it will take.
func (q *Queue) Drain(fd int) (int, Status) {
	if q.head == nil {
		return 0, OK
	}
	if q.head.isFile() {
		return q.drainFile(fd)
	}

	var bufs [][]byte
	for e := q.head; e != nil && len(bufs) < MaxIovecs && !e.isFile(); e = e.next {
		bufs = append(bufs, e.iov)
	}

	flags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
	if q.zerocopyOnSocket {
		flags |= unix.MSG_ZEROCOPY
	}
	sent, err := sendmsgBuffers(fd, bufs, nil, nil, flags)
	if err != nil {
		switch err {
		case unix.EAGAIN:
			bump(q.counters.EAgain)
			return 0, Blocked
		case unix.ENOBUFS:
			// Send buffer or optmem pressure; back off and retry later.
			bump(q.counters.ENobufs)
			return 0, Blocked
		case unix.EINTR:
			return 0, Blocked
		}
		log.Debug("sendmsg failed", "err", err)
		return 0, Closed
	}
	bump(q.counters.Sends)

	if q.zerocopyOnSocket {
		q.retire(sent, q.nextGenID)
		q.nextGenID++
	} else {
		q.retire(sent, 0)
	}
	return sent, OK
}

// retire walks sent bytes off the ready list. With zerocopy the fully-sent
// entries move to the pending list under genID; otherwise their references
// drop immediately.
func (q *Queue) retire(sent int, genID uint32) {
	remaining := sent
	for remaining > 0 && q.head != nil && !q.head.isFile() {
		e := q.head
		if len(e.iov) <= remaining {
			remaining -= len(e.iov)
			q.totalBytes -= len(e.iov)
			q.popHead()
			if q.zerocopyOnSocket {
				e.genID = genID
				q.appendPending(e)
			} else {
				e.buf.Put()
			}
		} else {
			// Partial send inside one buffer: the unsent tail is resent
			// under a fresh generation id.
			e.iov = e.iov[remaining:]
			q.totalBytes -= remaining
			remaining = 0
		}
	}
}

func (q *Queue) appendPending(e *entry) {
	e.next = nil
	if q.pendingTail != nil {
		q.pendingTail.next = e
		q.pendingTail = e
	} else {
		q.pendingHead, q.pendingTail = e, e
	}
	q.numPending++
}

func (q *Queue) drainFile(fd int) (int, Status) {
	e := q.head
	off := e.fileOff + e.fileSent
	remaining := int(e.fileSize - e.fileSent)
	sent, err := sendFile(fd, e.fileFD, &off, remaining)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			bump(q.counters.EAgain)
			return 0, Blocked
		}
		log.Error("sendfile failed", "err", err)
		return 0, Closed
	}
	e.fileSent += int64(sent)
	if e.fileSent >= e.fileSize {
		q.popHead()
		_ = closeFD(e.fileFD)
	}
	bump(q.counters.Sends)
	return sent, OK
}

// OnCompletion releases every pending entry whose generation id falls in
// [lo, hi] (wraparound-aware). Returns the number of entries released.
func (q *Queue) OnCompletion(lo, hi uint32) int {
	inRange := func(id uint32) bool {
		if lo <= hi {
			return id >= lo && id <= hi
		}
		return id >= lo || id <= hi
	}

	q.lastCompletedID = hi
	released := 0
	var prev *entry
	for e := q.pendingHead; e != nil; {
		next := e.next
		if inRange(e.genID) {
			if prev != nil {
				prev.next = next
			} else {
				q.pendingHead = next
			}
			if e == q.pendingTail {
				q.pendingTail = prev
			}
			q.numPending--
			released++
			e.buf.Put()
		} else {
			prev = e
		}
		e = next
	}
	if released == 0 {
		log.Error("zerocopy completion matched no pending entries",
			"lo", lo, "hi", hi, "pending", q.numPending)
	}
	return released
}

// HandleCompletions drains MSG_ERRQUEUE completion notifications for fd.
// Returns the number of entries released, or -1 when the error queue read
// failed in a way that indicates a real socket error.
func (q *Queue) HandleCompletions(fd int) int {
	if !q.zerocopyOnSocket {
		return 0
	}
	released := 0
	var dummy [1]byte
	var oob [128]byte
	for {
		_, oobn, _, _, err := recvmsg(fd, dummy[:], oob[:], unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return -1
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			log.Debug("cmsg parse failed", "err", err)
			continue
		}
		for _, cm := range cmsgs {
			isErr := (cm.Header.Level == unix.SOL_IP && cm.Header.Type == unix.IP_RECVERR) ||
				(cm.Header.Level == unix.SOL_IPV6 && cm.Header.Type == unix.IPV6_RECVERR)
			if !isErr || len(cm.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				continue
			}
			serr := (*unix.SockExtendedErr)(unsafe.Pointer(&cm.Data[0]))
			if serr.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
				continue
			}
			bump(q.counters.Completions)
			if serr.Code&unix.SO_EE_CODE_ZEROCOPY_COPIED != 0 {
				bump(q.counters.Copied)
			}
			released += q.OnCompletion(serr.Info, serr.Data)
		}
	}
	return released
}

// Cleanup drops every reference held by either list and closes queued file
// descriptors. Called when the connection is destroyed.
func (q *Queue) Cleanup() {
	for _, head := range []*entry{q.head, q.pendingHead} {
		for e := head; e != nil; e = e.next {
			if e.isFile() {
				_ = closeFD(e.fileFD)
			} else {
				e.buf.Put()
			}
		}
	}
	counters := q.counters
	zc := q.zerocopyOnSocket
	*q = Queue{zerocopyOnSocket: zc, counters: counters}
}
