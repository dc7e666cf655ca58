package gateway

import (
	"net"

	"github.com/eluv-io/errors-go"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/fcc"
	"github.com/tsgate/tsgate/mcast"
	"github.com/tsgate/tsgate/pool"
	"github.com/tsgate/tsgate/rtp"
	"github.com/tsgate/tsgate/rtsp"
	"github.com/tsgate/tsgate/service"
	"github.com/tsgate/tsgate/status"
)

// mcastTimeoutMS closes the client when the joined group goes silent.
const mcastTimeoutMS = 1000

// streamContext composes the upstream path of one streaming client: the
// multicast membership, the FCC rendezvous, the RTSP session, and the
// reordering window, all funneling into the connection's send queue.
type streamContext struct {
	conn *Conn
	svc  *service.Service

	window   *rtp.Window
	fccSess  *fcc.Session
	rtspSess *rtsp.Session
	mc       *mcast.Conn

	rtspUDPRegistered bool
	rtspWantWrite     bool

	totalBytes uint64
	lastBytes  uint64

	lastStatusUpdateMS int64
	lastMcastDataMS    int64
	lastMcastRejoinMS  int64
}

func newStreamContext(c *Conn, svc *service.Service) *streamContext {
	st := &streamContext{conn: c, svc: svc}
	st.window = rtp.NewWindow(func(b *pool.Buffer) int {
		n := c.queueMedia(b)
		if n > 0 {
			st.totalBytes += uint64(n)
		}
		return n
	})
	return st
}

// emitThroughWindow is the upstream sessions' sink: everything funnels
// through the reordering window.
func (st *streamContext) emitThroughWindow(b *pool.Buffer) int {
	return st.window.Process(b, st.conn.w.now)
}

// start opens the upstream path chosen by the service definition.
func (st *streamContext) start() error {
	now := st.conn.w.now
	st.lastStatusUpdateMS = now
	st.lastMcastDataMS = now
	st.lastMcastRejoinMS = now

	if st.svc.Type == service.RTSP {
		return st.startRTSP()
	}

	st.fccSess = fcc.NewSession(st.emitThroughWindow)
	st.fccSess.OnStateChange = func(s fcc.State, reason string) {
		st.conn.w.registry.SetState(st.conn.statusIdx, fccStatusState(s))
		if s == fcc.StateMcastActive && reason != "Direct multicast" && reason != "multicast caught up" {
			st.conn.w.registry.AddLog("warn", "FCC fallback: "+reason)
		}
	}

	if st.svc.FCCAddr != nil {
		if err := st.fccSess.Start(st.svc.FCCAddr, st.svc.Group, now); err != nil {
			log.Warn("FCC start failed, joining multicast directly", "err", err)
			st.fccSess.ForceMcastActive("FCC start failed")
			return st.joinMcast()
		}
		st.conn.w.registerFd(st.fccSess.Sock(), st.conn, unix.EPOLLIN)
		return nil
	}

	st.fccSess.ForceMcastActive("Direct multicast")
	return st.joinMcast()
}

func fccStatusState(s fcc.State) status.ClientState {
	switch s {
	case fcc.StateRequested:
		return status.StateFCCRequested
	case fcc.StateUnicastPending:
		return status.StateFCCUnicastPending
	case fcc.StateUnicastActive:
		return status.StateFCCUnicastActive
	case fcc.StateMcastRequested:
		return status.StateFCCMcastRequested
	case fcc.StateMcastActive:
		return status.StateFCCMcastActive
	case fcc.StateError:
		return status.StateError
	}
	return status.StateFCCInit
}

func rtspStatusState(s rtsp.State) status.ClientState {
	switch s {
	case rtsp.StateConnecting:
		return status.StateRTSPConnecting
	case rtsp.StatePlaying:
		return status.StateRTSPPlaying
	case rtsp.StateTeardownSent, rtsp.StateClosed:
		return status.StateRTSPTeardown
	}
	return status.StateRTSPHandshake
}

func (st *streamContext) startRTSP() error {
	st.rtspSess = rtsp.NewSession(
		func() *pool.Buffer { return st.conn.w.pools.Alloc() },
		st.emitThroughWindow,
	)
	st.rtspSess.OnStateChange = func(s rtsp.State) {
		st.conn.w.registry.SetState(st.conn.statusIdx, rtspStatusState(s))
	}
	if err := st.rtspSess.ParseURL(st.svc.RTSPURL, st.svc.Playseek, st.svc.UserAgent); err != nil {
		return err
	}
	if err := st.rtspSess.Connect(); err != nil {
		return err
	}
	st.rtspWantWrite = true
	st.conn.w.registerFd(st.rtspSess.Sock(), st.conn, unix.EPOLLIN|unix.EPOLLOUT)
	return nil
}

// joinMcast joins the service group and registers the socket.
func (st *streamContext) joinMcast() error {
	if st.mc != nil {
		return nil
	}
	e := errors.Template("stream.joinMcast", errors.K.IO, "group", st.svc.Group.String())
	mc, err := mcast.Join(st.svc.Group, st.svc.SourceIP, st.conn.w.cfg.UpstreamInterface)
	if err != nil {
		return e(err)
	}
	st.mc = mc
	st.conn.w.registerFd(mc.FD(), st.conn, unix.EPOLLIN)
	now := st.conn.w.now
	st.lastMcastDataMS = now
	st.lastMcastRejoinMS = now
	return nil
}

// recvIntoBuffer receives one datagram from fd into a fresh pool buffer.
// On pool exhaustion the datagram is drained and dropped so a level-
// triggered loop cannot spin.
func (st *streamContext) recvIntoBuffer(fd int) (*pool.Buffer, *net.UDPAddr) {
	b := st.conn.w.pools.Alloc()
	if b == nil {
		var dummy [pool.BufferSize]byte
		_, _, _ = unix.Recvfrom(fd, dummy[:], unix.MSG_DONTWAIT)
		log.Debug("pool exhausted, upstream packet dropped")
		return nil, nil
	}
	n, from, err := unix.Recvfrom(fd, b.Backing(), unix.MSG_DONTWAIT)
	if err != nil || n <= 0 {
		b.Put()
		return nil, nil
	}
	b.SetRange(0, n)
	var addr *net.UDPAddr
	if sa, ok := from.(*unix.SockaddrInet4); ok {
		addr = &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return b, addr
}

// handleFdEvent dispatches readiness of an upstream descriptor.
// Returns -1 when the connection must close.
func (st *streamContext) handleFdEvent(fd int, readable, writable bool, now int64) int {
	if st.fccSess != nil && fd == st.fccSess.Sock() && fd >= 0 {
		b, from := st.recvIntoBuffer(fd)
		if b == nil {
			return 0
		}
		oldSock := st.fccSess.Sock()
		act, _ := st.fccSess.HandleDatagram(b, from, now)
		b.Put()
		return st.applyFCCAction(act, oldSock)
	}

	if st.mc != nil && fd == st.mc.FD() {
		b, _ := st.recvIntoBuffer(fd)
		if b == nil {
			st.lastMcastDataMS = now
			return 0
		}
		st.lastMcastDataMS = now
		oldSock := -1
		if st.fccSess != nil {
			oldSock = st.fccSess.Sock()
		}
		act, _ := st.fccSess.HandleMcastPacket(b, now)
		b.Put()
		return st.applyFCCAction(act, oldSock)
	}

	if st.rtspSess != nil {
		switch fd {
		case st.rtspSess.Sock():
			res, _ := st.rtspSess.HandleSocketEvent(writable, readable, now)
			switch res {
			case rtsp.ResultClosed:
				return -1
			case rtsp.ResultTeardownDone:
				log.Debug("RTSP TEARDOWN completed")
				return -1
			}
			st.syncRTSPTransport()
			st.syncRTSPInterest()
			return 0
		case st.rtspSess.RTPSock():
			st.rtspSess.HandleUDPRTPData()
			return 0
		case st.rtspSess.RTCPSock():
			st.rtspSess.DrainRTCP()
			return 0
		}
	}
	return 0
}

// syncRTSPTransport adjusts reordering and registrations once the media
// transport is known: interleaved TCP delivers in order, UDP needs its
// sockets in the loop.
func (st *streamContext) syncRTSPTransport() {
	if st.rtspSess.State() != rtsp.StatePlaying {
		return
	}
	if st.rtspSess.Transport() == rtsp.TransportTCP {
		st.window.Enabled = false
		return
	}
	if !st.rtspUDPRegistered && st.rtspSess.RTPSock() >= 0 {
		st.conn.w.registerFd(st.rtspSess.RTPSock(), st.conn, unix.EPOLLIN)
		st.conn.w.registerFd(st.rtspSess.RTCPSock(), st.conn, unix.EPOLLIN)
		st.rtspUDPRegistered = true
	}
}

// syncRTSPInterest keeps the control socket's writability interest in step
// with pending output, so blocked request bytes flush without spinning the
// loop on a writable idle socket.
func (st *streamContext) syncRTSPInterest() {
	fd := st.rtspSess.Sock()
	if fd < 0 {
		return
	}
	want := st.rtspSess.WantWrite()
	if want == st.rtspWantWrite {
		return
	}
	st.rtspWantWrite = want
	events := uint32(unix.EPOLLIN)
	if want {
		events |= unix.EPOLLOUT
	}
	st.conn.w.updateFdEvents(fd, events)
}

// applyFCCAction wires session decisions into the worker: socket swaps,
// multicast joins, fallbacks.
func (st *streamContext) applyFCCAction(act fcc.Action, oldSock int) int {
	switch act {
	case fcc.ActionNone:
		return 0
	case fcc.ActionSockChanged:
		if oldSock >= 0 {
			st.conn.w.forgetFd(oldSock)
		}
		st.conn.w.registerFd(st.fccSess.Sock(), st.conn, unix.EPOLLIN)
		return 0
	case fcc.ActionJoinMcast:
		if err := st.joinMcast(); err != nil {
			log.Error("multicast join failed", "err", err)
			return -1
		}
		return 0
	case fcc.ActionFallback:
		if oldSock >= 0 {
			st.conn.w.forgetFd(oldSock)
		}
		if err := st.joinMcast(); err != nil {
			log.Error("multicast join failed on fallback", "err", err)
			return -1
		}
		return 0
	case fcc.ActionSwitched:
		if oldSock >= 0 {
			st.conn.w.forgetFd(oldSock)
		}
		return 0
	}
	return 0
}

// tick runs the per-iteration maintenance. Returns -1 when the stream is
// dead and the connection must close.
func (st *streamContext) tick(now int64) int {
	cfg := st.conn.w.cfg

	if cfg.McastRejoinSec > 0 && st.mc != nil &&
		now-st.lastMcastRejoinMS >= int64(cfg.McastRejoinSec)*1000 {
		log.Debug("periodic multicast rejoin", "group", st.svc.Group.String())
		if err := st.mc.Rejoin(); err != nil {
			log.Error("multicast rejoin failed", "err", err)
		} else {
			st.lastMcastRejoinMS = now
		}
	}

	if st.mc != nil && now-st.lastMcastDataMS >= mcastTimeoutMS {
		log.Error("multicast silent, closing client",
			"group", st.svc.Group.String(), "ms", now-st.lastMcastDataMS)
		return -1
	}

	if st.fccSess != nil && st.fccSess.Sock() >= 0 {
		oldSock := st.fccSess.Sock()
		if st.applyFCCAction(st.fccSess.Tick(now), oldSock) < 0 {
			return -1
		}
	}

	if st.rtspSess != nil {
		if st.rtspSess.KeepaliveDue(now) {
			st.rtspSess.SendKeepalive(now)
		}
		if st.rtspSess.TeardownExpired(now) {
			log.Warn("RTSP TEARDOWN timed out")
			return -1
		}
		st.syncRTSPInterest()
	}

	if st.window.WaitExpired(now) {
		st.window.TimeoutRecover(now)
	}

	if now-st.lastStatusUpdateMS >= 1000 {
		elapsed := now - st.lastStatusUpdateMS
		diff := st.totalBytes - st.lastBytes
		bandwidth := uint64(0)
		if elapsed > 0 {
			bandwidth = diff * 1000 / uint64(elapsed)
		}
		st.conn.w.registry.UpdateBytes(st.conn.statusIdx, st.totalBytes, bandwidth)
		st.lastBytes = st.totalBytes
		st.lastStatusUpdateMS = now
	}
	return 0
}

// cleanup releases upstream resources. Returns true when an asynchronous
// RTSP TEARDOWN is in flight and final destruction must wait.
func (st *streamContext) cleanup() bool {
	st.window.Cleanup()

	if st.fccSess != nil {
		if s := st.fccSess.Sock(); s >= 0 {
			st.conn.w.forgetFd(s)
		}
		st.fccSess.Cleanup()
	}

	if st.mc != nil {
		st.conn.w.forgetFd(st.mc.FD())
		_ = st.mc.Close()
		st.mc = nil
	}

	if st.rtspSess != nil {
		if st.rtspUDPRegistered {
			st.conn.w.forgetFd(st.rtspSess.RTPSock())
			st.conn.w.forgetFd(st.rtspSess.RTCPSock())
			st.rtspUDPRegistered = false
		}
		if st.rtspSess.Cleanup(st.conn.w.now) {
			log.Debug("deferring cleanup for RTSP TEARDOWN")
			st.syncRTSPInterest()
			return true
		}
		if s := st.rtspSess.Sock(); s >= 0 {
			st.conn.w.forgetFd(s)
		}
	}
	return false
}

// finishCleanup completes a deferred RTSP teardown.
func (st *streamContext) finishCleanup() {
	if st.rtspSess != nil {
		if s := st.rtspSess.Sock(); s >= 0 {
			st.conn.w.forgetFd(s)
		}
		st.rtspSess.Close()
	}
}
