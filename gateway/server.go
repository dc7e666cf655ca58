package gateway

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/eluv-io/errors-go"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/tsgate/tsgate/config"
	"github.com/tsgate/tsgate/m3u"
	"github.com/tsgate/tsgate/service"
	"github.com/tsgate/tsgate/status"
)

// Server owns the shared state and the worker fleet. Each worker gets its
// own SO_REUSEPORT listener on every configured address so the kernel
// load-balances accepted connections across workers.
type Server struct {
	cfg      *config.Config
	registry *status.Registry
	services *service.List
	store    *m3u.Store
}

// NewServer wires the shared state and publishes the configured services.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		registry: status.NewRegistry(),
		services: &service.List{},
		store:    &m3u.Store{},
	}
	s.registry.SetLogLevel(cfg.Verbosity)

	var entries []m3u.Entry
	for _, svc := range cfg.Services {
		s.services.Publish(svc)
		entries = append(entries, m3u.Entry{Svc: svc, Extinf: "-1", Title: svc.Name})
	}
	s.store.SetInline(entries)
	return s
}

// Registry exposes the status registry, mainly for tests.
func (s *Server) Registry() *status.Registry { return s.registry }

// listen opens one SO_REUSEPORT listener for addr.
func listen(addr string) (int, error) {
	e := errors.Template("gateway.listen", errors.K.IO, "addr", addr)

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, e(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return -1, e("reason", "bad port", "port", portStr)
	}
	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil || ip.To4() == nil {
			return -1, e("reason", "bad address", "host", host)
		}
		ip = ip.To4()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, e(err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return -1, e(err, "reason", "SO_REUSEPORT unsupported")
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, e(err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, e(err)
	}
	return fd, nil
}

// Run starts the workers and blocks until SIGINT/SIGTERM.
func (s *Server) Run() error {
	stop := atomic.NewBool(false)
	var wg sync.WaitGroup
	var workers []*worker

	for i := 0; i < s.cfg.Workers; i++ {
		var listenFds []int
		for _, addr := range s.cfg.ListenAddrs {
			fd, err := listen(addr)
			if err != nil {
				for _, lfd := range listenFds {
					_ = unix.Close(lfd)
				}
				return err
			}
			listenFds = append(listenFds, fd)
		}
		w, err := newWorker(i, s.cfg, s.registry, s.services, s.store, listenFds, stop)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.run(); err != nil {
				log.Error("worker exited with error", "err", err)
			}
		}(w)
	}
	log.Info("gateway running",
		"workers", s.cfg.Workers, "listen", s.cfg.ListenAddrs,
		"services", len(s.cfg.Services))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	stop.Store(true)
	s.registry.Wake()
	wg.Wait()
	return nil
}
