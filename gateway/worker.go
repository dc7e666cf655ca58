package gateway

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/fetch"
	"github.com/tsgate/tsgate/m3u"
	"github.com/tsgate/tsgate/pool"
	"github.com/tsgate/tsgate/sendq"
	"github.com/tsgate/tsgate/service"
	"github.com/tsgate/tsgate/status"

	"github.com/tsgate/tsgate/config"
)

const (
	tickIntervalMS = 100
	maxEpollEvents = 1024
)

// worker owns one event loop: its listener, its epoll instance, its buffer
// pools and every connection the kernel hands it. Nothing a worker owns is
// touched from any other goroutine; cross-worker visibility goes through
// the status registry alone.
type worker struct {
	id       int
	cfg      *config.Config
	registry *status.Registry
	services *service.List
	store    *m3u.Store

	epfd      int
	listenFds []int
	wakeFd    int

	pools      *pool.Group
	counters   *sendq.Counters
	zerocopyOK bool

	fdmap    []*Conn
	connHead *Conn
	fetches  map[int]*fetch.Request

	now        int64
	lastTickMS int64
	lastM3UMS  int64
	m3uLoaded  bool

	stop *atomic.Bool
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func newWorker(id int, cfg *config.Config, reg *status.Registry, services *service.List,
	store *m3u.Store, listenFds []int, stop *atomic.Bool) (*worker, error) {

	pools, err := pool.NewGroup(cfg.PoolMaxBuffers)
	if err != nil {
		return nil, err
	}

	ws := &reg.Workers[id]
	w := &worker{
		id:        id,
		cfg:       cfg,
		registry:  reg,
		services:  services,
		store:     store,
		listenFds: listenFds,
		pools:     pools,
		fetches:   map[int]*fetch.Request{},
		stop:      stop,
		epfd:      -1,
		wakeFd:    -1,
		counters: &sendq.Counters{
			Sends:       &ws.Sends,
			Completions: &ws.Completions,
			Copied:      &ws.Copied,
			EAgain:      &ws.EAgain,
			ENobufs:     &ws.ENobufs,
			BatchSends:  &ws.BatchSends,
		},
	}
	w.zerocopyOK = cfg.ZerocopySend && detectZerocopy()
	return w, nil
}

// detectZerocopy probes MSG_ZEROCOPY support on a throwaway socket.
func detectZerocopy() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer func() { _ = unix.Close(fd) }()
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1) == nil
}

// fd map: a flat slice indexed by descriptor; constant-time and compact at
// typical fd ranges.

func (w *worker) mapSet(fd int, c *Conn) {
	if fd < 0 {
		return
	}
	for fd >= len(w.fdmap) {
		w.fdmap = append(w.fdmap, make([]*Conn, len(w.fdmap)+256)...)
	}
	w.fdmap[fd] = c
}

func (w *worker) mapGet(fd int) *Conn {
	if fd < 0 || fd >= len(w.fdmap) {
		return nil
	}
	return w.fdmap[fd]
}

func (w *worker) mapDel(fd int) {
	if fd >= 0 && fd < len(w.fdmap) {
		w.fdmap[fd] = nil
	}
}

// registerFd adds an upstream or client descriptor to the loop.
func (w *worker) registerFd(fd int, c *Conn, events uint32) {
	if fd < 0 {
		return
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		log.Error("epoll add failed", "fd", fd, "err", err)
		return
	}
	w.mapSet(fd, c)
}

// forgetFd removes a descriptor from the loop and the map. The descriptor
// may already be closed; removal is best-effort.
func (w *worker) forgetFd(fd int) {
	if fd < 0 {
		return
	}
	w.mapDel(fd)
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// updateFdEvents re-arms an upstream descriptor's interest set.
func (w *worker) updateFdEvents(fd int, events uint32) {
	if fd < 0 {
		return
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		log.Debug("epoll mod failed", "fd", fd, "err", err)
	}
}

// updateConnEvents re-arms the client socket's interest set.
func (w *worker) updateConnEvents(c *Conn) {
	if c.fd < 0 {
		return
	}
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR)
	if c.wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev); err != nil {
		log.Debug("epoll mod failed", "fd", c.fd, "err", err)
	}
}

// run is the worker's event loop. It returns only on shutdown.
func (w *worker) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	AssociateGIDWithWorker(w.id)
	defer DissociateGIDWithWorker()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	w.epfd = epfd

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return fmt.Errorf("eventfd: %w", err)
	}
	w.wakeFd = wakeFd
	w.registerFd(wakeFd, nil, unix.EPOLLIN)
	w.registry.Subscribe(func() {
		var one [8]byte
		one[7] = 1
		_, _ = unix.Write(wakeFd, one[:])
	})

	for _, lfd := range w.listenFds {
		w.registerFd(lfd, nil, unix.EPOLLIN)
	}

	w.registry.Workers[w.id].Alive.Store(true)
	w.publishPoolGauges()
	log.Info("worker started", "listeners", len(w.listenFds), "zerocopy", w.zerocopyOK)

	events := make([]unix.EpollEvent, maxEpollEvents)
	w.lastTickMS = nowMillis()
	w.lastM3UMS = w.lastTickMS

	for !w.stop.Load() {
		n, err := unix.EpollWait(w.epfd, events, tickIntervalMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Error("epoll_wait failed", "err", err)
			break
		}
		w.now = nowMillis()

		for i := 0; i < n; i++ {
			w.dispatch(int(events[i].Fd), events[i].Events)
		}

		if w.now-w.lastTickMS >= tickIntervalMS {
			w.lastTickMS = w.now
			w.tick()
		}
	}

	for w.connHead != nil {
		w.closeAndFree(w.connHead)
	}
	for fd, req := range w.fetches {
		w.forgetFd(fd)
		req.Cancel()
		delete(w.fetches, fd)
	}
	_ = unix.Close(w.wakeFd)
	_ = unix.Close(w.epfd)
	for _, lfd := range w.listenFds {
		_ = unix.Close(lfd)
	}
	w.registry.Workers[w.id].Alive.Store(false)
	log.Info("worker stopped")
	return nil
}

func (w *worker) dispatch(fd int, events uint32) {
	if fd == w.wakeFd {
		w.handleWake()
		return
	}
	for _, lfd := range w.listenFds {
		if fd == lfd {
			w.acceptAll(lfd)
			return
		}
	}
	if req, ok := w.fetches[fd]; ok {
		if req.HandleEvent() {
			w.forgetFd(fd)
			delete(w.fetches, fd)
		}
		return
	}

	c := w.mapGet(fd)
	if c == nil {
		return
	}
	if fd == c.fd {
		w.clientEvent(c, events)
		return
	}

	readable := events&unix.EPOLLIN != 0
	writable := events&unix.EPOLLOUT != 0
	if c.stream != nil {
		if res := c.stream.handleFdEvent(fd, readable, writable, w.now); res < 0 {
			w.closeAndFree(c)
		}
	}
}

func (w *worker) handleWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.wakeFd, buf[:]); err != nil {
			break
		}
	}
	for c := w.connHead; c != nil; {
		next := c.next
		if c.statusIdx >= 0 && w.registry.ConsumeDisconnect(c.statusIdx) {
			log.Info("administrative disconnect", "remote", c.remoteAddr)
			w.closeAndFree(c)
		} else if c.sseActive {
			c.sseLastBeatMS = 0
			c.sseHeartbeat(w.now)
		}
		c = next
	}
}

func (w *worker) acceptAll(lfd int) {
	for {
		cfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				log.Error("accept failed", "err", err)
			}
			return
		}
		_ = unix.SetsockoptInt(cfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		remote := "unknown"
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			remote = fmt.Sprintf("%d.%d.%d.%d:%d",
				sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], sa4.Port)
		}

		c := newConn(w, cfd, remote)
		c.next = w.connHead
		w.connHead = c

		ev := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR,
			Fd:     int32(cfd),
		}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, cfd, &ev); err != nil {
			log.Error("epoll add client failed", "err", err)
			w.closeAndFree(c)
			continue
		}
		w.mapSet(cfd, c)
		log.Debug("client accepted", "remote", remote, "fd", cfd)
	}
}

func (w *worker) clientEvent(c *Conn, events uint32) {
	if events&unix.EPOLLERR != 0 {
		// EPOLLERR is either a MSG_ZEROCOPY completion batch or a real
		// socket error; the error queue distinguishes them.
		handled := false
		if c.zerocopyEnabled {
			completions := c.q.HandleCompletions(c.fd)
			if completions < 0 {
				w.closeAndFree(c)
				return
			}
			if completions > 0 {
				handled = true
				c.reportQueue()
				if c.state == connClosing && c.q.Empty() && c.q.PendingEmpty() {
					w.closeAndFree(c)
					return
				}
			}
		}
		if !handled {
			if soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soerr != 0 {
				log.Debug("client socket error", "soerror", soerr)
				w.closeAndFree(c)
				return
			}
		}
	}

	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		log.Debug("client disconnected", "remote", c.remoteAddr)
		w.closeAndFree(c)
		return
	}

	if events&unix.EPOLLIN != 0 {
		if c.state == connStreaming || c.state == connSSE {
			// Nothing meaningful arrives mid-stream; drain for disconnect
			// detection and discard.
			var discard [1024]byte
			n, err := unix.Read(c.fd, discard[:])
			if n == 0 || (err != nil && err != unix.EAGAIN && err != unix.EINTR) {
				log.Debug("client gone during streaming", "remote", c.remoteAddr)
				w.closeAndFree(c)
				return
			}
			if n > 0 {
				log.Debug("mid-stream bytes discarded", "n", n)
			}
		} else {
			c.handleRead()
			if c.state == connClosing && c.q.Empty() && c.q.PendingEmpty() {
				w.closeAndFree(c)
				return
			}
		}
	}

	if events&unix.EPOLLOUT != 0 {
		if c.handleWrite() == writeClosed {
			w.closeAndFree(c)
		}
	}
}

func (w *worker) tick() {
	for c := w.connHead; c != nil; {
		next := c.next
		if c.streaming {
			if c.stream.tick(w.now) < 0 {
				w.closeAndFree(c)
				c = next
				continue
			}
		}
		c.sseHeartbeat(w.now)

		// Batch deadline: flush queues that sat past their deadline.
		if !c.q.Empty() && c.q.ShouldFlush() {
			c.enableWrite()
		}

		// Abandon TEARDOWNs the server never acknowledged.
		if c.teardownDeferred && c.stream != nil &&
			c.stream.rtspSess != nil && c.stream.rtspSess.TeardownExpired(w.now) {
			log.Warn("RTSP TEARDOWN timed out, finishing cleanup")
			w.closeAndFree(c)
			c = next
			continue
		}

		// Reap gracefully-closing connections once fully drained.
		if c.state == connClosing && !c.teardownDeferred &&
			c.q.Empty() && c.q.PendingEmpty() {
			w.closeAndFree(c)
		}
		c = next
	}

	w.publishPoolGauges()
	w.maybeReloadM3U()
}

func (w *worker) publishPoolGauges() {
	ws := &w.registry.Workers[w.id]
	ws.PoolTotal.Store(w.pools.Media.GaugeTotal.Load())
	ws.PoolFree.Store(w.pools.Media.GaugeFree.Load())
}

// maybeReloadM3U loads the external playlist once at startup and then on
// the configured interval. Worker 0 owns the fetch; the shared service
// list makes the result visible everywhere.
func (w *worker) maybeReloadM3U() {
	cfg := w.cfg
	if w.id != 0 || cfg.ExternalM3U == "" {
		return
	}
	if w.m3uLoaded {
		if cfg.ExternalM3UIntervalSec <= 0 ||
			w.now-w.lastM3UMS < int64(cfg.ExternalM3UIntervalSec)*1000 {
			return
		}
	}
	w.m3uLoaded = true
	w.lastM3UMS = w.now

	req, err := fetch.Start(cfg.ExternalM3U, func(content []byte) {
		if content == nil {
			log.Warn("external playlist fetch failed", "url", cfg.ExternalM3U)
			return
		}
		entries, pErr := m3u.Parse(string(content), service.OriginExternal)
		if pErr != nil {
			log.Warn("external playlist parse failed", "err", pErr)
			return
		}
		w.store.SetExternal(entries)
		w.services.DropExternal()
		for _, e := range entries {
			w.services.Publish(e.Svc)
		}
		log.Info("external playlist reloaded", "channels", len(entries))
	})
	if err != nil {
		log.Warn("external playlist fetch start failed", "err", err)
		return
	}
	w.fetches[req.FD()] = req
	w.registerFd(req.FD(), nil, unix.EPOLLIN)
}

// closeAndFree tears a connection down. Streaming teardown may defer the
// final destruction behind an RTSP TEARDOWN; the client socket closes
// immediately either way.
func (w *worker) closeAndFree(c *Conn) {
	if c.streaming {
		c.streaming = false
		if c.stream.cleanup() {
			c.teardownDeferred = true
			if c.fd >= 0 {
				w.forgetFd(c.fd)
				_ = unix.Close(c.fd)
				c.fd = -1
			}
			c.state = connClosing
			return
		}
	}
	if c.teardownDeferred {
		c.stream.finishCleanup()
		c.teardownDeferred = false
	}
	w.destroy(c)
}

func (w *worker) destroy(c *Conn) {
	if c.streamRegistered {
		w.pools.UnregisterStream()
		c.streamRegistered = false
	}

	c.q.Cleanup()
	w.pools.Media.TryShrink(w.registry.AnySlow(w.id))

	if c.statusIdx >= 0 {
		w.registry.UnregisterClient(c.statusIdx)
		c.statusIdx = -1
	}

	if c.fd >= 0 {
		w.forgetFd(c.fd)
		_ = unix.Close(c.fd)
		c.fd = -1
	}

	// Unlink from the connection list.
	if w.connHead == c {
		w.connHead = c.next
	} else {
		for p := w.connHead; p != nil; p = p.next {
			if p.next == c {
				p.next = c.next
				break
			}
		}
	}
	c.next = nil
}
