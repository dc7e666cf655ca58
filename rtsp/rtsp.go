// Package rtsp implements the client side of RTSP 1.0 over TCP for
// time-shifted and unicast IPTV sources: OPTIONS/DESCRIBE/SETUP/PLAY
// handshake, interleaved or UDP media delivery, keepalives, and an
// asynchronous TEARDOWN that defers stream teardown until acknowledged.
package rtsp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"github.com/pion/sdp/v3"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/pool"
)

var log = elog.Get("tsgate/rtsp")

// State is the session phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOptionsSent
	StateDescribeSent
	StateSetupSent
	StatePlaySent
	StatePlaying
	StateTeardownSent
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:         "Idle",
	StateConnecting:   "Connecting",
	StateOptionsSent:  "OptionsSent",
	StateDescribeSent: "DescribeSent",
	StateSetupSent:    "SetupSent",
	StatePlaySent:     "PlaySent",
	StatePlaying:      "Playing",
	StateTeardownSent: "TeardownSent",
	StateClosed:       "Closed",
}

func (s State) String() string { return stateNames[s] }

// TransportMode selects how media reaches us.
type TransportMode int

const (
	// TransportTCP interleaves media on the control connection.
	TransportTCP TransportMode = iota
	// TransportUDP binds a local RTP/RTCP port pair.
	TransportUDP
)

// Result is the outcome of a socket event.
type Result int

const (
	// ResultOK means the event was consumed; continue.
	ResultOK Result = iota
	// ResultClosed means the session failed or the peer went away.
	ResultClosed
	// ResultTeardownDone means the pending TEARDOWN completed; the owner
	// may finish deferred cleanup.
	ResultTeardownDone
)

// TeardownTimeoutMS bounds how long deferred cleanup waits for the
// TEARDOWN response.
const TeardownTimeoutMS = 2000

const controlBufMax = 64 * 1024

// writeSock is a seam for tests.
var writeSock = unix.Write

// Session is one RTSP client session.
type Session struct {
	state State

	sock     int
	rtpSock  int
	rtcpSock int

	rawURL    string
	host      string
	port      int
	path      string
	playseek  string
	userAgent string

	// PreferUDP requests RTP/AVP over UDP instead of interleaved TCP.
	PreferUDP bool

	transport  TransportMode
	clientPort int

	cseq        int
	outstanding string // method awaiting its response
	sessionID   string

	KeepaliveIntervalMS int64
	LastKeepaliveMS     int64
	teardownStartMS     int64

	setupURL string

	inbuf  []byte
	outbuf []byte

	// Alloc provides pool buffers for media payloads.
	Alloc func() *pool.Buffer
	// Emit forwards one media buffer downstream. Returns queued bytes or
	// negative on drop.
	Emit func(b *pool.Buffer) int
	// OnStateChange reports transitions for status tracking. May be nil.
	OnStateChange func(s State)
}

// NewSession prepares an idle session.
func NewSession(alloc func() *pool.Buffer, emit func(b *pool.Buffer) int) *Session {
	return &Session{state: StateIdle, sock: -1, rtpSock: -1, rtcpSock: -1, Alloc: alloc, Emit: emit}
}

// State returns the session phase.
func (s *Session) State() State { return s.state }

// Sock returns the control socket descriptor, -1 when closed.
func (s *Session) Sock() int { return s.sock }

// RTPSock returns the UDP RTP descriptor, -1 unless UDP transport is up.
func (s *Session) RTPSock() int { return s.rtpSock }

// RTCPSock returns the UDP RTCP descriptor, -1 unless UDP transport is up.
func (s *Session) RTCPSock() int { return s.rtcpSock }

// Transport returns the negotiated media transport.
func (s *Session) Transport() TransportMode { return s.transport }

// WantWrite reports whether the control socket needs writability interest:
// while connecting, or while request bytes wait in the out buffer.
func (s *Session) WantWrite() bool {
	return s.state == StateConnecting || len(s.outbuf) > 0
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	log.Debug("RTSP state", "from", s.state, "to", next)
	s.state = next
	if s.OnStateChange != nil {
		s.OnStateChange(next)
	}
}

// ParseURL digests the rtsp:// URL and per-request parameters.
func (s *Session) ParseURL(raw, playseek, userAgent string) error {
	e := errors.Template("rtsp.ParseURL", errors.K.Invalid, "url", raw)
	u, err := url.Parse(raw)
	if err != nil {
		return e(err)
	}
	if u.Scheme != "rtsp" {
		return e("reason", "not an rtsp url")
	}
	s.rawURL = raw
	s.host = u.Hostname()
	s.port = 554
	if p := u.Port(); p != "" {
		if s.port, err = strconv.Atoi(p); err != nil {
			return e("reason", "bad port", "port", p)
		}
	}
	s.path = u.RequestURI()
	s.playseek = playseek
	s.userAgent = userAgent
	return nil
}

// Connect starts the non-blocking TCP connect. The handshake proceeds from
// socket events.
func (s *Session) Connect() error {
	e := errors.Template("rtsp.Connect", errors.K.IO, "host", s.host, "port", s.port)

	ips, err := net.LookupIP(s.host)
	if err != nil || len(ips) == 0 {
		return e(err, "reason", "resolve failed")
	}
	var ip4 net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ip4 = v4
			break
		}
	}
	if ip4 == nil {
		return e("reason", "no IPv4 address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return e(err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	dst := &unix.SockaddrInet4{Port: s.port}
	copy(dst.Addr[:], ip4)
	err = unix.Connect(fd, dst)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return e(err)
	}
	s.sock = fd
	s.setState(StateConnecting)
	return nil
}

func (s *Session) requestURL() string { return fmt.Sprintf("rtsp://%s:%d%s", s.host, s.port, s.path) }

// sendRequest queues an RTSP request on the control socket.
func (s *Session) sendRequest(method, target string, extraHeaders ...string) error {
	s.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, target, s.cseq)
	if s.userAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", s.userAgent)
	}
	if s.sessionID != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", s.sessionID)
	}
	for _, h := range extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	s.outstanding = method
	s.outbuf = append(s.outbuf, b.String()...)
	return s.flushOut()
}

func (s *Session) flushOut() error {
	for len(s.outbuf) > 0 {
		n, err := writeSock(s.sock, s.outbuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return nil // rest goes out on the next writable event
			}
			return errors.E("rtsp.flushOut", errors.K.IO, err)
		}
		s.outbuf = s.outbuf[n:]
	}
	return nil
}

// HandleSocketEvent consumes readiness on the control socket.
func (s *Session) HandleSocketEvent(writable, readable bool, now int64) (Result, int) {
	if s.state == StateConnecting && writable {
		serr, err := unix.GetsockoptInt(s.sock, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || serr != 0 {
			log.Error("RTSP connect failed", "soerror", serr)
			return ResultClosed, 0
		}
		log.Debug("RTSP connected", "host", s.host, "port", s.port)
		if err := s.sendRequest("OPTIONS", s.requestURL()); err != nil {
			return ResultClosed, 0
		}
		s.setState(StateOptionsSent)
		return ResultOK, 0
	}

	if writable && len(s.outbuf) > 0 {
		if err := s.flushOut(); err != nil {
			return ResultClosed, 0
		}
	}

	if !readable {
		return ResultOK, 0
	}

	var tmp [8192]byte
	total := 0
	for {
		n, err := unix.Read(s.sock, tmp[:])
		if n > 0 {
			if len(s.inbuf)+n > controlBufMax {
				log.Error("RTSP control buffer overflow")
				return ResultClosed, 0
			}
			s.inbuf = append(s.inbuf, tmp[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return ResultClosed, 0
		}
		if n == 0 {
			// Peer closed. Acceptable only after TEARDOWN.
			if s.state == StateTeardownSent {
				s.setState(StateClosed)
				return ResultTeardownDone, total
			}
			return ResultClosed, total
		}
	}

	for {
		res, n, progressed := s.consumeInbuf(now)
		total += n
		if res != ResultOK {
			return res, total
		}
		if !progressed {
			return ResultOK, total
		}
	}
}

// consumeInbuf peels one interleaved frame or one RTSP message off the
// control buffer.
func (s *Session) consumeInbuf(now int64) (Result, int, bool) {
	if len(s.inbuf) == 0 {
		return ResultOK, 0, false
	}

	if s.inbuf[0] == '$' {
		if len(s.inbuf) < 4 {
			return ResultOK, 0, false
		}
		ch := s.inbuf[1]
		flen := int(s.inbuf[2])<<8 | int(s.inbuf[3])
		if len(s.inbuf) < 4+flen {
			return ResultOK, 0, false
		}
		frame := s.inbuf[4 : 4+flen]
		n := 0
		if ch == 0 { // RTP media channel
			n = s.emitMedia(frame)
		}
		s.inbuf = s.inbuf[4+flen:]
		return ResultOK, n, true
	}

	end := strings.Index(string(s.inbuf), "\r\n\r\n")
	if end < 0 {
		// Garbage before a frame marker desyncs the channel; resync on '$'.
		if i := strings.IndexByte(string(s.inbuf), '$'); i > 0 && s.state == StatePlaying {
			s.inbuf = s.inbuf[i:]
			return ResultOK, 0, true
		}
		return ResultOK, 0, false
	}
	head := string(s.inbuf[:end])
	contentLen := 0
	for _, line := range strings.Split(head, "\r\n")[1:] {
		if k, v, ok := splitHeader(line); ok && k == "content-length" {
			contentLen, _ = strconv.Atoi(v)
		}
	}
	if len(s.inbuf) < end+4+contentLen {
		return ResultOK, 0, false
	}
	body := string(s.inbuf[end+4 : end+4+contentLen])
	s.inbuf = s.inbuf[end+4+contentLen:]

	res := s.handleResponse(head, body, now)
	return res, 0, res == ResultOK
}

func (s *Session) emitMedia(frame []byte) int {
	b := s.Alloc()
	if b == nil {
		log.Debug("pool exhausted, interleaved frame dropped")
		return 0
	}
	n := copy(b.Backing(), frame)
	b.SetRange(0, n)
	queued := s.Emit(b)
	b.Put()
	if queued < 0 {
		return 0
	}
	return queued
}

func splitHeader(line string) (string, string, bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(line[:i])), strings.TrimSpace(line[i+1:]), true
}

func (s *Session) handleResponse(head, body string, now int64) Result {
	lines := strings.Split(head, "\r\n")
	status := 0
	if f := strings.Fields(lines[0]); len(f) >= 2 && strings.HasPrefix(f[0], "RTSP/") {
		status, _ = strconv.Atoi(f[1])
	}
	headers := map[string]string{}
	for _, line := range lines[1:] {
		if k, v, ok := splitHeader(line); ok {
			headers[k] = v
		}
	}
	if cs, ok := headers["cseq"]; ok {
		if got, _ := strconv.Atoi(cs); got != s.cseq {
			log.Debug("response for stale CSeq ignored", "got", got, "want", s.cseq)
			return ResultOK
		}
	}

	if status != 200 {
		log.Error("RTSP request failed", "method", s.outstanding, "status", status)
		if s.state == StateTeardownSent {
			s.setState(StateClosed)
			return ResultTeardownDone
		}
		return ResultClosed
	}

	if sess, ok := headers["session"]; ok {
		id := sess
		if i := strings.IndexByte(sess, ';'); i >= 0 {
			id = sess[:i]
			for _, part := range strings.Split(sess[i+1:], ";") {
				part = strings.TrimSpace(part)
				if strings.HasPrefix(part, "timeout=") {
					if t, err := strconv.Atoi(part[len("timeout="):]); err == nil && t > 0 {
						// Refresh comfortably before expiry.
						iv := int64(t-5) * 1000
						if iv < 5000 {
							iv = 5000
						}
						s.KeepaliveIntervalMS = iv
					}
				}
			}
		}
		s.sessionID = strings.TrimSpace(id)
	}

	switch s.state {
	case StateOptionsSent:
		if err := s.sendRequest("DESCRIBE", s.requestURL(), "Accept: application/sdp"); err != nil {
			return ResultClosed
		}
		s.setState(StateDescribeSent)

	case StateDescribeSent:
		s.setupURL = s.pickSetupURL(body, headers["content-base"])
		transport := "Transport: RTP/AVP/TCP;unicast;interleaved=0-1"
		if s.PreferUDP {
			if err := s.bindUDPPair(); err != nil {
				log.Warn("UDP transport unavailable, using interleaved TCP", "err", err)
				s.PreferUDP = false
			} else {
				transport = fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d",
					s.clientPort, s.clientPort+1)
			}
		}
		if err := s.sendRequest("SETUP", s.setupURL, transport); err != nil {
			return ResultClosed
		}
		s.setState(StateSetupSent)

	case StateSetupSent:
		s.transport = TransportTCP
		if t, ok := headers["transport"]; ok && !strings.Contains(t, "interleaved") && s.PreferUDP {
			s.transport = TransportUDP
		}
		if s.transport == TransportTCP {
			s.closeUDPPair()
		}
		rangeHdr := "Range: npt=0.000-"
		if s.playseek != "" {
			rangeHdr = "Range: npt=" + s.playseek
			if !strings.Contains(s.playseek, "-") {
				rangeHdr += "-"
			}
		}
		if err := s.sendRequest("PLAY", s.requestURL(), rangeHdr); err != nil {
			return ResultClosed
		}
		s.setState(StatePlaySent)

	case StatePlaySent:
		s.setState(StatePlaying)
		s.LastKeepaliveMS = now
		log.Info("RTSP playing", "url", s.rawURL, "transport", s.transportName())

	case StatePlaying:
		// Keepalive response.

	case StateTeardownSent:
		s.setState(StateClosed)
		return ResultTeardownDone
	}
	return ResultOK
}

func (s *Session) transportName() string {
	if s.transport == TransportUDP {
		return "udp"
	}
	return "interleaved-tcp"
}

// pickSetupURL extracts the control URL of the first video (or only) media
// section from the DESCRIBE SDP.
func (s *Session) pickSetupURL(body, contentBase string) string {
	base := contentBase
	if base == "" {
		base = s.requestURL()
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		log.Debug("SDP parse failed, using request URL", "err", err)
		return base
	}
	var control string
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "video" && len(desc.MediaDescriptions) > 1 {
			continue
		}
		if a, ok := m.Attribute("control"); ok {
			control = a
			break
		}
	}
	if control == "" || control == "*" {
		return base
	}
	if strings.HasPrefix(control, "rtsp://") {
		return control
	}
	return strings.TrimSuffix(base, "/") + "/" + control
}

// bindUDPPair binds an even/odd local port pair for RTP/RTCP.
func (s *Session) bindUDPPair() error {
	e := errors.Template("rtsp.bindUDPPair", errors.K.IO)
	for attempt := 0; attempt < 16; attempt++ {
		rtpFd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return e(err)
		}
		if err = unix.Bind(rtpFd, &unix.SockaddrInet4{}); err != nil {
			_ = unix.Close(rtpFd)
			return e(err)
		}
		sa, err := unix.Getsockname(rtpFd)
		if err != nil {
			_ = unix.Close(rtpFd)
			return e(err)
		}
		port := sa.(*unix.SockaddrInet4).Port
		if port%2 == 1 {
			_ = unix.Close(rtpFd)
			continue
		}
		rtcpFd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			_ = unix.Close(rtpFd)
			return e(err)
		}
		if err = unix.Bind(rtcpFd, &unix.SockaddrInet4{Port: port + 1}); err != nil {
			_ = unix.Close(rtpFd)
			_ = unix.Close(rtcpFd)
			continue
		}
		s.rtpSock, s.rtcpSock, s.clientPort = rtpFd, rtcpFd, port
		return nil
	}
	return e("reason", "no adjacent port pair")
}

func (s *Session) closeUDPPair() {
	if s.rtpSock >= 0 {
		_ = unix.Close(s.rtpSock)
		s.rtpSock = -1
	}
	if s.rtcpSock >= 0 {
		_ = unix.Close(s.rtcpSock)
		s.rtcpSock = -1
	}
}

// HandleUDPRTPData drains the UDP RTP socket into the output.
func (s *Session) HandleUDPRTPData() int {
	total := 0
	for {
		b := s.Alloc()
		if b == nil {
			// Pool exhausted: drop one datagram to keep the loop moving.
			var dummy [pool.BufferSize]byte
			_, _, err := unix.Recvfrom(s.rtpSock, dummy[:], unix.MSG_DONTWAIT)
			if err != nil {
				return total
			}
			continue
		}
		n, _, err := unix.Recvfrom(s.rtpSock, b.Backing(), unix.MSG_DONTWAIT)
		if err != nil || n <= 0 {
			b.Put()
			return total
		}
		b.SetRange(0, n)
		if q := s.Emit(b); q > 0 {
			total += q
		}
		b.Put()
	}
}

// DrainRTCP consumes and discards RTCP datagrams.
func (s *Session) DrainRTCP() {
	var buf [1500]byte
	for {
		if _, _, err := unix.Recvfrom(s.rtcpSock, buf[:], unix.MSG_DONTWAIT); err != nil {
			return
		}
	}
}

// KeepaliveDue reports whether an OPTIONS keepalive should be sent.
func (s *Session) KeepaliveDue(now int64) bool {
	if s.state != StatePlaying || s.transport != TransportUDP ||
		s.KeepaliveIntervalMS <= 0 || s.sessionID == "" {
		return false
	}
	if s.LastKeepaliveMS == 0 {
		s.LastKeepaliveMS = now
		return false
	}
	return now-s.LastKeepaliveMS >= s.KeepaliveIntervalMS
}

// SendKeepalive issues the OPTIONS keepalive. A failed send is logged and
// does not end the session.
func (s *Session) SendKeepalive(now int64) {
	if err := s.sendRequest("OPTIONS", s.requestURL()); err != nil {
		log.Warn("RTSP keepalive send failed", "err", err)
		return
	}
	s.LastKeepaliveMS = now
}

// TeardownExpired reports whether a pending TEARDOWN has waited past its
// bound and should be abandoned.
func (s *Session) TeardownExpired(now int64) bool {
	return s.state == StateTeardownSent && s.teardownStartMS > 0 &&
		now-s.teardownStartMS >= TeardownTimeoutMS
}

// Cleanup initiates session shutdown. When the session is playing it sends
// TEARDOWN and returns true: the owner must defer final destruction until
// the response arrives (ResultTeardownDone) or TeardownExpired fires.
func (s *Session) Cleanup(now int64) bool {
	s.closeUDPPair()
	switch s.state {
	case StatePlaying, StatePlaySent:
		if err := s.sendRequest("TEARDOWN", s.requestURL()); err == nil {
			s.setState(StateTeardownSent)
			s.teardownStartMS = now
			return true
		}
		s.Close()
		return false
	case StateTeardownSent:
		return true
	default:
		s.Close()
		return false
	}
}

// Close releases the control socket immediately.
func (s *Session) Close() {
	s.closeUDPPair()
	if s.sock >= 0 {
		_ = unix.Close(s.sock)
		s.sock = -1
	}
	s.setState(StateClosed)
}
