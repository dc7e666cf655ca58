package fcc

import (
	"encoding/binary"
	"net"

	"github.com/eluv-io/errors-go"
)

// FCC control packets are RTCP-shaped APP messages distinguished by the
// first-byte tag. The wire constants follow the operator deployment this
// gateway targets.
const (
	TagTerminate = 0x81
	TagRequest   = 0x82
	TagResponse  = 0x83
	TagSync      = 0x84

	rtcpPayloadType = 205

	RequestPacketLen   = 40
	TerminatePacketLen = 16
)

// BuildRequest produces the channel-change request sent to the rendezvous
// server: client media port plus the multicast group the burst should prime.
func BuildRequest(clientPort uint16, group *net.UDPAddr) []byte {
	p := make([]byte, RequestPacketLen)
	p[0] = TagRequest
	p[1] = rtcpPayloadType
	binary.BigEndian.PutUint16(p[2:4], RequestPacketLen/4-1)
	binary.BigEndian.PutUint32(p[4:8], uint32(clientPort))
	if ip4 := group.IP.To4(); ip4 != nil {
		copy(p[8:12], ip4)
		copy(p[16:20], ip4)
	}
	binary.BigEndian.PutUint16(p[12:14], clientPort)
	binary.BigEndian.PutUint16(p[20:22], uint16(group.Port))
	return p
}

// Response is the parsed server answer to a request.
type Response struct {
	Result    uint16
	MediaPort uint16 // 0 means the signaling port carries media too
	Redirect  *net.UDPAddr
}

// ParseResponse decodes a TagResponse packet.
func ParseResponse(p []byte) (*Response, error) {
	e := errors.Template("fcc.ParseResponse", errors.K.Invalid)
	if len(p) < 16 || p[0] != TagResponse {
		return nil, e("reason", "short or mistagged response", "len", len(p))
	}
	r := &Response{
		Result:    binary.BigEndian.Uint16(p[4:6]),
		MediaPort: binary.BigEndian.Uint16(p[6:8]),
	}
	ip := net.IPv4(p[8], p[9], p[10], p[11])
	port := binary.BigEndian.Uint16(p[12:14])
	if !ip.Equal(net.IPv4zero) && port != 0 {
		r.Redirect = &net.UDPAddr{IP: ip, Port: int(port)}
	}
	return r, nil
}

// BuildTerminate produces the termination notice carrying the last RTP
// sequence forwarded from the unicast burst.
func BuildTerminate(lastSeq uint16) []byte {
	p := make([]byte, TerminatePacketLen)
	p[0] = TagTerminate
	p[1] = rtcpPayloadType
	binary.BigEndian.PutUint16(p[2:4], TerminatePacketLen/4-1)
	binary.BigEndian.PutUint16(p[8:10], lastSeq)
	return p
}
