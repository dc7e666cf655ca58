// Package pool provides the refcounted buffer pool shared by all media and
// control-plane I/O of a worker. Buffers are fixed size and recycled through
// an intrusive free list; the pool expands on demand up to a configured
// maximum and opportunistically releases whole segments back to the runtime
// when demand subsides.
package pool

import (
	"time"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"go.uber.org/atomic"
)

var log = elog.Get("tsgate/pool")

// Media pool sizing, tuned for RTP-sized datagrams.
const (
	BufferSize       = 1536
	InitialBuffers   = 1024
	ExpandBuffers    = 512
	LowWatermark     = 256
	HighWatermark    = InitialBuffers * 3
	DefaultMaxMedia  = 16384
	shrinkIdleMillis = 10000
)

// Control pool sizing. Kept small: the reservation only has to cover HTTP
// responses, SSE frames and error payloads.
const (
	ControlInitial   = 256
	ControlExpand    = 128
	ControlMax       = 4096
	ControlLowWater  = 64
	ControlHighWater = ControlInitial * 2
)

// nowMillis is a seam for tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Buffer is a fixed-capacity, refcounted receive/send buffer. A buffer with
// refcount zero is owned by the pool free list and must not be touched.
// All refcount manipulation happens on the owning worker's goroutine.
type Buffer struct {
	seg  *segment
	data []byte // full backing slice, len == BufferSize of the pool

	size int // valid data length
	off  int // offset of valid data within data

	refs     int
	freeNext *Buffer

	// Cached RTP parse, filled by the reorder path so the header is
	// only unmarshalled once per packet.
	RTPParsed bool
	RTPSeq    uint16
}

// Backing returns the whole backing array, for recv(2) style fills.
func (b *Buffer) Backing() []byte { return b.data }

// Bytes returns the valid data window.
func (b *Buffer) Bytes() []byte { return b.data[b.off : b.off+b.size] }

// Len returns the valid data length.
func (b *Buffer) Len() int { return b.size }

// Offset returns the data offset within the backing array.
func (b *Buffer) Offset() int { return b.off }

// SetRange sets the valid data window. Used after a receive (off=0,
// size=n) and after payload extraction (off=headerLen).
func (b *Buffer) SetRange(off, size int) {
	if off < 0 || size < 0 || off+size > len(b.data) {
		log.Error("buffer range out of bounds", "off", off, "size", size, "cap", len(b.data))
		return
	}
	b.off, b.size = off, size
}

// Get adds a reference.
func (b *Buffer) Get() { b.refs++ }

// Put drops a reference. On reaching zero the buffer returns to its pool's
// free list with a reset data window.
func (b *Buffer) Put() {
	if b.refs <= 0 {
		log.Error("buffer refcount underflow")
		return
	}
	b.refs--
	if b.refs == 0 {
		b.seg.parent.release(b)
	}
}

// Refs reports the current reference count.
func (b *Buffer) Refs() int { return b.refs }

type segment struct {
	parent  *Pool
	backing []byte
	bufs    []Buffer
	free    int
	created int64
}

// Pool is a single-owner buffer pool with elastic capacity.
type Pool struct {
	name     string
	bufSize  int
	initial  int
	expand   int
	maxBufs  int
	lowWater int
	high     int

	segments   []*segment
	free       *Buffer
	numBuffers int
	numFree    int
	lastGrow   int64

	// Gauges mirrored for the status page; written only by the owning
	// worker, read by anyone.
	GaugeTotal *atomic.Int64
	GaugeFree  *atomic.Int64
}

// New creates a pool and preallocates the initial segment.
func New(name string, bufSize, initial, maxBufs, expand, lowWater, high int) (*Pool, error) {
	e := errors.Template("pool.New", errors.K.Invalid, "name", name)
	if bufSize <= 0 || initial <= 0 || expand <= 0 {
		return nil, e("reason", "non-positive sizing")
	}
	if maxBufs < initial {
		maxBufs = initial
	}
	p := &Pool{
		name:       name,
		bufSize:    bufSize,
		initial:    initial,
		expand:     expand,
		maxBufs:    maxBufs,
		lowWater:   lowWater,
		high:       high,
		GaugeTotal: atomic.NewInt64(0),
		GaugeFree:  atomic.NewInt64(0),
	}
	p.grow(initial)
	return p, nil
}

func (p *Pool) grow(n int) {
	seg := &segment{
		parent:  p,
		backing: make([]byte, n*p.bufSize),
		bufs:    make([]Buffer, n),
		free:    n,
		created: nowMillis(),
	}
	for i := range seg.bufs {
		b := &seg.bufs[i]
		b.seg = seg
		b.data = seg.backing[i*p.bufSize : (i+1)*p.bufSize]
		b.freeNext = p.free
		p.free = b
	}
	p.segments = append(p.segments, seg)
	p.numBuffers += n
	p.numFree += n
	p.lastGrow = seg.created
	p.publish()
}

func (p *Pool) publish() {
	p.GaugeTotal.Store(int64(p.numBuffers))
	p.GaugeFree.Store(int64(p.numFree))
}

// Alloc returns a buffer with refcount 1 and an empty data window, or nil
// when the pool is at max capacity with no free buffers. Callers treat nil
// as a droppable per-packet condition, never fatal.
func (p *Pool) Alloc() *Buffer {
	if p.free == nil {
		if p.numBuffers >= p.maxBufs {
			return nil
		}
		n := p.expand
		if p.numBuffers+n > p.maxBufs {
			n = p.maxBufs - p.numBuffers
		}
		log.Debug("pool expanding", "name", p.name, "by", n, "total", p.numBuffers+n)
		p.grow(n)
	}
	b := p.free
	p.free = b.freeNext
	b.freeNext = nil
	p.numFree--
	b.refs = 1
	b.off, b.size = 0, 0
	b.RTPParsed = false
	b.RTPSeq = 0
	b.seg.free--
	p.publish()
	return b
}

func (p *Pool) release(b *Buffer) {
	b.off, b.size = 0, 0
	b.freeNext = p.free
	p.free = b
	p.numFree++
	b.seg.free++
	p.publish()
}

// NumBuffers returns the current total capacity in buffers.
func (p *Pool) NumBuffers() int { return p.numBuffers }

// NumFree returns the number of free buffers.
func (p *Pool) NumFree() int { return p.numFree }

// MaxBuffers returns the capacity ceiling.
func (p *Pool) MaxBuffers() int { return p.maxBufs }

// LowWatermark returns the configured low watermark.
func (p *Pool) LowWatermark() int { return p.lowWater }

// BufSize returns the per-buffer capacity.
func (p *Pool) BufSize() int { return p.bufSize }

// Utilization returns used/max in [0,1].
func (p *Pool) Utilization() float64 {
	if p.maxBufs == 0 {
		return 0
	}
	return float64(p.numBuffers-p.numFree) / float64(p.maxBufs)
}

// TryShrink releases fully-free expansion segments when the pool has been
// idle-rich for a while. Never reduces below the initial size and never
// touches a segment with outstanding references. slowActive suppresses
// shrinking while any client on this worker is flagged slow.
func (p *Pool) TryShrink(slowActive bool) {
	if slowActive || p.numFree <= p.high {
		return
	}
	now := nowMillis()
	if now-p.lastGrow < shrinkIdleMillis {
		return
	}
	// Walk expansion segments from the newest end; the initial segment is
	// index 0 and is never released.
	for i := len(p.segments) - 1; i >= 1; i-- {
		seg := p.segments[i]
		if seg.free != len(seg.bufs) {
			continue
		}
		if p.numBuffers-len(seg.bufs) < p.initial {
			break
		}
		p.detach(seg, i)
		log.Debug("pool released segment", "name", p.name, "buffers", len(seg.bufs), "total", p.numBuffers)
		// One bounded batch per call.
		break
	}
	p.publish()
}

func (p *Pool) detach(seg *segment, idx int) {
	// Unlink every buffer of the segment from the free list.
	var head *Buffer
	for cur := p.free; cur != nil; {
		next := cur.freeNext
		if cur.seg != seg {
			cur.freeNext = head
			head = cur
		}
		cur = next
	}
	p.free = head
	p.numBuffers -= len(seg.bufs)
	p.numFree -= len(seg.bufs)
	p.segments = append(p.segments[:idx], p.segments[idx+1:]...)
}

// Group bundles the media pool with the control-class reservation and the
// per-worker count of registered streaming clients.
type Group struct {
	Media   *Pool
	Control *Pool

	activeStreams int
}

// NewGroup builds the standard media + control pool pair.
func NewGroup(maxMedia int) (*Group, error) {
	if maxMedia <= 0 {
		maxMedia = DefaultMaxMedia
	}
	media, err := New("media", BufferSize, InitialBuffers, maxMedia, ExpandBuffers, LowWatermark, HighWatermark)
	if err != nil {
		return nil, err
	}
	control, err := New("control", BufferSize, ControlInitial, ControlMax, ControlExpand, ControlLowWater, ControlHighWater)
	if err != nil {
		return nil, err
	}
	return &Group{Media: media, Control: control}, nil
}

// Alloc takes from the media pool.
func (g *Group) Alloc() *Buffer { return g.Media.Alloc() }

// AllocControl takes from the control reservation, falling back to the
// media pool so the control plane degrades instead of failing outright.
func (g *Group) AllocControl() *Buffer {
	if b := g.Control.Alloc(); b != nil {
		return b
	}
	return g.Media.Alloc()
}

// RegisterStream notes a new streaming client for fair-share accounting.
func (g *Group) RegisterStream() { g.activeStreams++ }

// UnregisterStream drops a streaming client.
func (g *Group) UnregisterStream() {
	if g.activeStreams > 0 {
		g.activeStreams--
	}
}

// ActiveStreams returns the number of registered streaming clients.
func (g *Group) ActiveStreams() int { return g.activeStreams }
