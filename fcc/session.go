// Package fcc drives the Fast Channel Change rendezvous: a unicast burst of
// recent stream data primes the client while the multicast join completes,
// then the session hands off to multicast without dropping or duplicating a
// packet.
package fcc

import (
	"net"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/pool"
	"github.com/tsgate/tsgate/rtp"
)

var log = elog.Get("tsgate/fcc")

// Timeouts.
const (
	// TimeoutSignalingMS bounds the Requested and UnicastPending phases.
	TimeoutSignalingMS = 80
	// TimeoutUnicastMS bounds silence while the unicast burst is active.
	TimeoutUnicastMS = 1000
	// TimeoutSyncWaitMS caps how long to wait for the server sync notice
	// before joining multicast anyway.
	TimeoutSyncWaitMS = 15000
	// MaxRedirects bounds redirect chains.
	MaxRedirects = 5

	// maxPendingMcast bounds the transition buffer; overflow forces the
	// switch rather than hoarding pool buffers.
	maxPendingMcast = 1024
)

// State is the session phase.
type State int

const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateUnicastActive
	StateMcastRequested
	StateMcastActive
	StateError
)

var stateNames = map[State]string{
	StateInit:           "Init",
	StateRequested:      "Requested",
	StateUnicastPending: "UnicastPending",
	StateUnicastActive:  "UnicastActive",
	StateMcastRequested: "McastRequested",
	StateMcastActive:    "McastActive",
	StateError:          "Error",
}

func (s State) String() string { return stateNames[s] }

// Action tells the owning stream context what to do after an event.
type Action int

const (
	// ActionNone requires nothing.
	ActionNone Action = iota
	// ActionSockChanged means the session reopened its socket (redirect);
	// re-register the descriptor.
	ActionSockChanged
	// ActionJoinMcast asks the owner to join the multicast group now while
	// unicast keeps flowing (sync received or sync-wait elapsed).
	ActionJoinMcast
	// ActionFallback asks the owner to join multicast immediately and stop
	// relying on the burst (signaling gave up).
	ActionFallback
	// ActionSwitched means the hand-off completed: unicast is terminated
	// and the session socket may be deregistered and closed.
	ActionSwitched
)

// Session is one client's FCC rendezvous.
type Session struct {
	state  State
	sock   int
	server *net.UDPAddr
	group  *net.UDPAddr

	clientPort uint16
	mediaPort  uint16
	redirects  int

	unicastStartMS int64
	lastDataMS     int64
	termSent       bool

	// Tracker carries RTP continuity across the unicast->multicast cut.
	Tracker rtp.Tracker

	pending []*pool.Buffer

	// Emit forwards one media buffer downstream (through the reorder
	// window). Returns queued bytes or negative on drop.
	Emit func(b *pool.Buffer) int

	// OnStateChange reports transitions for status tracking. May be nil.
	OnStateChange func(s State, reason string)
}

// NewSession prepares an idle session.
func NewSession(emit func(b *pool.Buffer) int) *Session {
	return &Session{state: StateInit, sock: -1, Emit: emit}
}

// State returns the current phase.
func (s *Session) State() State { return s.state }

// Sock returns the signaling/media socket descriptor, -1 when closed.
func (s *Session) Sock() int { return s.sock }

// Server returns the current rendezvous address.
func (s *Session) Server() *net.UDPAddr { return s.server }

func (s *Session) setState(next State, reason string) bool {
	if s.state == next {
		return false
	}
	log.Debug("FCC state", "from", s.state, "to", next, "reason", reason)
	s.state = next
	if s.OnStateChange != nil {
		s.OnStateChange(next, reason)
	}
	return true
}

// Start opens the signaling socket and sends the request.
func (s *Session) Start(server, group *net.UDPAddr, now int64) error {
	s.server = server
	s.group = group
	if err := s.openAndRequest(); err != nil {
		return err
	}
	s.lastDataMS = now
	s.setState(StateRequested, "request sent")
	return nil
}

func (s *Session) openAndRequest() error {
	e := errors.Template("fcc.request", errors.K.IO, "server", s.server.String())

	s.closeSock()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return e(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		_ = unix.Close(fd)
		return e(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return e(err)
	}
	s.clientPort = uint16(sa.(*unix.SockaddrInet4).Port)

	dst := &unix.SockaddrInet4{Port: s.server.Port}
	copy(dst.Addr[:], s.server.IP.To4())
	req := BuildRequest(s.clientPort, s.group)
	if err := unix.Sendto(fd, req, 0, dst); err != nil {
		_ = unix.Close(fd)
		return e(err)
	}
	s.sock = fd
	return nil
}

func (s *Session) closeSock() {
	if s.sock >= 0 {
		_ = unix.Close(s.sock)
		s.sock = -1
	}
}

// HandleDatagram routes one datagram received on the session socket. The
// caller retains its buffer reference. Returns the action for the owner and
// the number of payload bytes queued downstream.
func (s *Session) HandleDatagram(b *pool.Buffer, from *net.UDPAddr, now int64) (Action, int) {
	if s.server == nil || !from.IP.Equal(s.server.IP) {
		return ActionNone, 0
	}
	s.lastDataMS = now

	data := b.Bytes()
	if from.Port == s.server.Port {
		if len(data) == 0 {
			return ActionNone, 0
		}
		switch data[0] {
		case TagResponse:
			return s.handleResponse(data, now), 0
		case TagSync:
			return s.handleSync(false), 0
		}
		// Media may share the signaling port when the server says so.
		if s.mediaPort == 0 || s.mediaPort == uint16(s.server.Port) {
			return s.handleUnicastMedia(b, now)
		}
		return ActionNone, 0
	}
	if from.Port == int(s.mediaPort) {
		return s.handleUnicastMedia(b, now)
	}
	return ActionNone, 0
}

func (s *Session) handleResponse(data []byte, now int64) Action {
	if s.state != StateRequested {
		return ActionNone
	}
	resp, err := ParseResponse(data)
	if err != nil {
		log.Debug("bad FCC response", "err", err)
		return ActionNone
	}
	if resp.Redirect != nil && !resp.Redirect.IP.Equal(s.server.IP) {
		if s.redirects >= MaxRedirects {
			log.Warn("FCC redirect limit reached, falling back to multicast")
			s.setState(StateMcastActive, "redirect limit")
			s.closeSock()
			return ActionFallback
		}
		s.redirects++
		log.Debug("FCC redirect", "to", resp.Redirect.String(), "count", s.redirects)
		s.server = resp.Redirect
		if err := s.openAndRequest(); err != nil {
			log.Error("FCC redirect retry failed", "err", err)
			s.setState(StateMcastActive, "redirect failed")
			return ActionFallback
		}
		s.lastDataMS = now
		return ActionSockChanged
	}
	if resp.Result != 0 {
		log.Warn("FCC request refused", "result", resp.Result)
		s.setState(StateMcastActive, "server refused")
		s.closeSock()
		return ActionFallback
	}
	if resp.MediaPort != 0 {
		s.mediaPort = resp.MediaPort
	} else {
		s.mediaPort = uint16(s.server.Port)
	}
	s.setState(StateUnicastPending, "server accepted")
	return ActionNone
}

func (s *Session) handleUnicastMedia(b *pool.Buffer, now int64) (Action, int) {
	switch s.state {
	case StateUnicastPending:
		s.setState(StateUnicastActive, "first unicast packet")
		s.unicastStartMS = now
	case StateUnicastActive, StateMcastRequested:
	default:
		return ActionNone, 0
	}

	kind := rtp.ExtractPayload(b)
	if kind == rtp.KindDiscard {
		return ActionNone, 0
	}
	n := s.Emit(b)
	if n < 0 {
		n = 0
	}
	if kind == rtp.KindRTP {
		s.Tracker.Observe(b.RTPSeq)
	}

	// While transitioning, every forwarded unicast packet may close the gap
	// to the buffered multicast stream.
	if s.state == StateMcastRequested && len(s.pending) > 0 {
		if act := s.trySwitch(); act == ActionSwitched {
			return act, n
		}
	}
	return ActionNone, n
}

// handleSync begins the multicast transition, either on the server's notice
// or on the sync-wait timeout.
func (s *Session) handleSync(timedOut bool) Action {
	if s.state != StateUnicastActive {
		return ActionNone
	}
	reason := "sync notification"
	if timedOut {
		reason = "sync wait timeout"
	}
	s.setState(StateMcastRequested, reason)
	return ActionJoinMcast
}

// HandleMcastPacket processes one multicast datagram according to phase:
// buffered during the transition, forwarded directly once active.
// The caller retains its buffer reference.
func (s *Session) HandleMcastPacket(b *pool.Buffer, now int64) (Action, int) {
	switch s.state {
	case StateMcastActive:
		kind := rtp.ExtractPayload(b)
		if kind == rtp.KindDiscard {
			return ActionNone, 0
		}
		n := s.Emit(b)
		if n < 0 {
			n = 0
		}
		if kind == rtp.KindRTP {
			s.Tracker.Observe(b.RTPSeq)
		}
		return ActionNone, n

	case StateMcastRequested:
		return s.handleMcastTransition(b)

	default:
		log.Debug("multicast packet in unexpected state", "state", s.state)
		return ActionNone, 0
	}
}

func (s *Session) handleMcastTransition(b *pool.Buffer) (Action, int) {
	kind := rtp.ExtractPayload(b)
	if kind == rtp.KindDiscard {
		return ActionNone, 0
	}
	if kind == rtp.KindRaw || !s.Tracker.NotFirst {
		// No sequencing to align on; switch immediately.
		return s.completeSwitch(b)
	}

	// Hold the packet; splice once the unicast burst catches up to it.
	if len(s.pending) >= maxPendingMcast {
		log.Warn("FCC transition buffer full, forcing switch")
		return s.completeSwitch(b)
	}
	b.Get()
	s.pending = append(s.pending, b)

	if act := s.trySwitch(); act == ActionSwitched {
		return act, 0
	}
	return ActionNone, 0
}

// trySwitch completes the hand-off once the first buffered multicast packet
// is next (or already covered) relative to the unicast position.
func (s *Session) trySwitch() Action {
	if len(s.pending) == 0 {
		return ActionNone
	}
	first := s.pending[0].RTPSeq
	if rtp.SeqDelta(s.Tracker.LastSeq, first) > 1 {
		return ActionNone // gap remains; keep bursting
	}
	act, _ := s.completeSwitch(nil)
	return act
}

// completeSwitch flushes the transition buffer (dropping overlap with what
// unicast already delivered), sends the termination notice, closes the
// unicast socket and enters McastActive. extra, when non-nil, is the
// packet that triggered the switch and is forwarded last.
func (s *Session) completeSwitch(extra *pool.Buffer) (Action, int) {
	n := 0
	for _, p := range s.pending {
		if !p.RTPParsed || s.Tracker.Admit(p.RTPSeq) {
			if q := s.Emit(p); q > 0 {
				n += q
			}
		}
		p.Put()
	}
	s.pending = nil

	if extra != nil {
		if !extra.RTPParsed || s.Tracker.Admit(extra.RTPSeq) {
			if q := s.Emit(extra); q > 0 {
				n += q
			}
		}
	}

	s.sendTerminate()
	s.closeSock()
	s.setState(StateMcastActive, "multicast caught up")
	return ActionSwitched, n
}

func (s *Session) sendTerminate() {
	if s.termSent || s.sock < 0 || s.server == nil {
		return
	}
	dst := &unix.SockaddrInet4{Port: s.server.Port}
	copy(dst.Addr[:], s.server.IP.To4())
	if err := unix.Sendto(s.sock, BuildTerminate(s.Tracker.LastSeq), 0, dst); err != nil {
		log.Debug("FCC terminate send failed", "err", err)
	}
	s.termSent = true
}

// Tick runs the session timers. Returns an action for the owner.
func (s *Session) Tick(now int64) Action {
	switch s.state {
	case StateRequested, StateUnicastPending:
		if now-s.lastDataMS >= TimeoutSignalingMS {
			reason := "Signaling timeout"
			if s.state == StateUnicastPending {
				reason = "First unicast packet timeout"
			}
			log.Warn("FCC fallback to multicast", "reason", reason)
			s.setState(StateMcastActive, reason)
			s.closeSock()
			return ActionFallback
		}
	case StateUnicastActive, StateMcastRequested:
		if now-s.lastDataMS >= TimeoutUnicastMS {
			log.Warn("FCC fallback to multicast", "reason", "Unicast interrupted")
			s.drainPending()
			s.sendTerminate()
			s.setState(StateMcastActive, "Unicast interrupted")
			s.closeSock()
			return ActionFallback
		}
		if s.state == StateUnicastActive && s.unicastStartMS > 0 &&
			now-s.unicastStartMS >= TimeoutSyncWaitMS {
			return s.handleSync(true)
		}
	}
	return ActionNone
}

// drainPending flushes any transition buffer into the output.
func (s *Session) drainPending() {
	for _, p := range s.pending {
		if !p.RTPParsed || s.Tracker.Admit(p.RTPSeq) {
			s.Emit(p)
		}
		p.Put()
	}
	s.pending = nil
}

// ForceMcastActive marks the session as serving from multicast without any
// rendezvous (direct joins reuse the session for continuity tracking).
func (s *Session) ForceMcastActive(reason string) {
	s.setState(StateMcastActive, reason)
}

// Cleanup releases held buffers and closes the socket, sending an emergency
// termination if the normal flow never did.
func (s *Session) Cleanup() {
	for _, p := range s.pending {
		p.Put()
	}
	s.pending = nil
	if s.sock >= 0 {
		if s.state == StateUnicastActive || s.state == StateMcastRequested {
			s.sendTerminate()
		}
		s.closeSock()
	}
}
