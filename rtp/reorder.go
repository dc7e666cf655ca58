package rtp

import (
	"github.com/tsgate/tsgate/pool"
)

// Reordering window configuration.
const (
	// WindowSize must be a power of two; slots are indexed seq mod WindowSize.
	WindowSize = 16

	// ReorderTimeoutMS bounds how long the window waits for a missing packet.
	ReorderTimeoutMS = 30

	// Packets this far behind the expected sequence are counted as late
	// duplicates; anything further back is a stream reset.
	lateGrace = WindowSize / 2
)

// Window restores RTP sequence order over a small sliding window. Packets
// stored in slots hold one buffer reference each; emission transfers the
// packet to the emit callback, which is expected to take its own reference
// (enqueue) before Window drops its hold.
type Window struct {
	// Enabled is cleared for transports that already deliver in order
	// (RTSP interleaved TCP).
	Enabled bool

	// Emit forwards an extracted, in-order buffer downstream. Returns the
	// number of payload bytes queued, or a negative value on drop.
	Emit func(b *pool.Buffer) int

	slots       [WindowSize]*pool.Buffer
	expectedSeq uint16
	baseSeq     uint16
	firstPacket bool
	waiting     bool
	waitStart   int64

	// Counters exposed on the status page.
	Drops      uint64
	Duplicates uint64
	OutOfOrder uint64
	Recovered  uint64
}

// NewWindow returns an enabled window emitting into emit.
func NewWindow(emit func(b *pool.Buffer) int) *Window {
	return &Window{Enabled: true, Emit: emit, firstPacket: true}
}

// Waiting reports whether the window is holding packets behind a gap.
func (w *Window) Waiting() bool { return w.waiting }

// Process classifies and forwards one received datagram. It consumes the
// caller's view of the buffer only logically: the caller still owns its
// reference and must Put it after Process returns. Returns the number of
// payload bytes queued downstream (0 when held or dropped).
func (w *Window) Process(b *pool.Buffer, now int64) int {
	kind := ExtractPayload(b)
	switch kind {
	case KindDiscard:
		return 0
	case KindRaw:
		// Opaque MPEG-TS; no sequencing to restore.
		n := w.Emit(b)
		if n < 0 {
			return 0
		}
		return n
	}

	if !w.Enabled {
		n := w.Emit(b)
		if n < 0 {
			return 0
		}
		return n
	}
	return w.processRTP(b, now)
}

func (w *Window) processRTP(b *pool.Buffer, now int64) int {
	seq := b.RTPSeq

	if w.firstPacket {
		w.firstPacket = false
		w.seed(seq)
		return w.emitAdvance(b)
	}

	d := SeqDelta(w.expectedSeq, seq)
	switch {
	case d == 0:
		n := w.emitAdvance(b)
		return n + w.flushContiguous()

	case d > 0 && d < WindowSize:
		// Ahead: hold until the gap fills or times out.
		slot := int(seq) % WindowSize
		if held := w.slots[slot]; held != nil {
			if held.RTPSeq == seq {
				w.Duplicates++
				return 0
			}
			// Stale occupant from a previous lap; replace it.
			held.Put()
			w.slots[slot] = nil
		}
		b.Get()
		w.slots[slot] = b
		w.OutOfOrder++
		if !w.waiting {
			w.waiting = true
			w.waitStart = now
		}
		return 0

	case d < 0 && d >= -lateGrace:
		// Late arrival of something already emitted or skipped.
		w.Duplicates++
		return 0

	default:
		// Far outside the window in either direction: stream reset.
		log.Debug("RTP stream reset", "expected", w.expectedSeq, "got", seq)
		w.reset()
		w.seed(seq)
		return w.emitAdvance(b)
	}
}

// TimeoutRecover declares the awaited packet lost: emits whatever is
// contiguous after the gap and advances past it. Called from the stream
// tick when now-waitStart exceeds ReorderTimeoutMS.
func (w *Window) TimeoutRecover(now int64) int {
	if !w.waiting {
		return 0
	}
	if now-w.waitStart < ReorderTimeoutMS {
		return 0
	}
	w.waiting = false

	// Skip the missing packet(s): advance expected to the first held slot.
	n := 0
	for i := 0; i < WindowSize; i++ {
		slot := int(w.expectedSeq) % WindowSize
		if held := w.slots[slot]; held != nil && held.RTPSeq == w.expectedSeq {
			break
		}
		w.expectedSeq++
		w.Drops++
		n++
		if !w.anyHeld() {
			return 0
		}
	}
	w.flushContiguous()
	return n
}

// WaitExpired reports whether the reorder wait deadline has passed.
func (w *Window) WaitExpired(now int64) bool {
	return w.waiting && now-w.waitStart >= ReorderTimeoutMS
}

func (w *Window) seed(seq uint16) {
	w.baseSeq = seq
	w.expectedSeq = seq
}

func (w *Window) emitAdvance(b *pool.Buffer) int {
	n := w.Emit(b)
	w.expectedSeq++
	if n < 0 {
		return 0
	}
	return n
}

func (w *Window) flushContiguous() int {
	total := 0
	for {
		slot := int(w.expectedSeq) % WindowSize
		held := w.slots[slot]
		if held == nil || held.RTPSeq != w.expectedSeq {
			break
		}
		w.slots[slot] = nil
		total += w.emitAdvance(held)
		w.Recovered++
		held.Put()
	}
	if !w.anyHeld() {
		w.waiting = false
	}
	return total
}

func (w *Window) anyHeld() bool {
	for _, s := range w.slots {
		if s != nil {
			return true
		}
	}
	return false
}

func (w *Window) reset() {
	for i, s := range w.slots {
		if s != nil {
			s.Put()
			w.slots[i] = nil
		}
	}
	w.waiting = false
}

// Cleanup releases every held slot. Called on stream teardown.
func (w *Window) Cleanup() {
	if w.OutOfOrder > 0 || w.Duplicates > 0 || w.Drops > 0 || w.Recovered > 0 {
		log.Debug("reorder stats",
			"out_of_order", w.OutOfOrder, "duplicates", w.Duplicates,
			"recovered", w.Recovered, "drops", w.Drops)
	}
	w.reset()
}
