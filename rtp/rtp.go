// Package rtp extracts media payloads from upstream datagrams and restores
// RTP sequence order across small out-of-order bursts.
//
// Datagram classification is heuristic: a packet whose first byte carries
// RTP version 2 and that is at least a header long is treated as RTP;
// anything else is forwarded whole as opaque MPEG-TS. A misclassified
// packet desyncs reordering for at most one window.
package rtp

import (
	"github.com/Comcast/gots/v2/packet"
	elog "github.com/eluv-io/log-go"
	pionrtp "github.com/pion/rtp"

	"github.com/tsgate/tsgate/pool"
)

var log = elog.Get("tsgate/rtp")

// FEC payload types carried on some operator networks; never forwarded.
const (
	fecPayloadType1 = 127
	fecPayloadType2 = 97
)

// Kind classifies an extracted datagram.
type Kind int

const (
	// KindRTP is a well-formed RTP packet; the buffer window was moved to
	// its payload and the sequence number cached on the buffer.
	KindRTP Kind = iota
	// KindRaw is a non-RTP datagram forwarded whole.
	KindRaw
	// KindDiscard is a malformed RTP packet or FEC; drop silently.
	KindDiscard
)

// ExtractPayload classifies the buffer's current window and, for RTP,
// narrows the window to the payload and caches the sequence number on the
// buffer so later stages never re-parse the header.
func ExtractPayload(b *pool.Buffer) Kind {
	if b.RTPParsed {
		// Already narrowed to the payload by an earlier stage; the cached
		// sequence number stays authoritative.
		return KindRTP
	}
	data := b.Bytes()
	if len(data) < 12 || data[0]&0xC0 != 0x80 {
		if len(data) > 0 && data[0] != packet.SyncByte {
			log.Trace("non-TS raw datagram", "first", data[0], "len", len(data))
		}
		return KindRaw
	}

	var hdr pionrtp.Header
	n, err := hdr.Unmarshal(data)
	if err != nil {
		log.Debug("malformed RTP packet", "err", err)
		return KindDiscard
	}
	if hdr.PayloadType == fecPayloadType1 || hdr.PayloadType == fecPayloadType2 {
		log.Debug("FEC packet skipped", "pt", hdr.PayloadType)
		return KindDiscard
	}

	payloadLen := len(data) - n
	if hdr.Padding && payloadLen > 0 {
		pad := int(data[len(data)-1])
		payloadLen -= pad
	}
	if payloadLen <= 0 {
		log.Debug("malformed RTP packet", "reason", "empty payload after padding")
		return KindDiscard
	}

	b.SetRange(b.Offset()+n, payloadLen)
	b.RTPParsed = true
	b.RTPSeq = hdr.SequenceNumber
	return KindRTP
}

// SeqDelta returns the signed distance from a to b modulo 2^16.
func SeqDelta(a, b uint16) int { return int(int16(b - a)) }

// Tracker follows the head of a monotonic RTP flow. Admit discards packets
// at or behind the last forwarded sequence; the FCC session uses it at the
// unicast-to-multicast cut-over so multicast packets the unicast burst
// already delivered are dropped. Observe only records the head.
type Tracker struct {
	LastSeq  uint16
	NotFirst bool
}

// Observe records seq as the flow head when it advances the flow, without
// any drop decision. Used on paths where a downstream reordering window
// owns deduplication but the cut-over comparison still needs the furthest
// forwarded sequence.
func (t *Tracker) Observe(seq uint16) {
	if !t.NotFirst || SeqDelta(t.LastSeq, seq) > 0 {
		t.LastSeq = seq
		t.NotFirst = true
	}
}

// Admit reports whether a packet with sequence seq should be forwarded,
// and records it as the new head of the flow when it is.
func (t *Tracker) Admit(seq uint16) bool {
	if t.NotFirst {
		d := SeqDelta(t.LastSeq, seq)
		if d <= 0 {
			return false
		}
		if d > 1 {
			log.Debug("upstream RTP loss", "expected", t.LastSeq+1, "got", seq, "gap", d-1)
		}
	}
	t.LastSeq = seq
	t.NotFirst = true
	return true
}
