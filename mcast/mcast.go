// Package mcast manages IGMP membership for upstream media groups. The
// receive path bypasses the Go runtime poller: the socket's descriptor is
// exported so the owning worker can register it with its own readiness
// facility and read datagrams directly.
package mcast

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var log = elog.Get("tsgate/mcast")

// Conn is one joined multicast group.
type Conn struct {
	udp    net.PacketConn
	pc     *ipv4.PacketConn
	fd     int
	group  *net.UDPAddr
	source net.IP
	ifi    *net.Interface
}

// Join binds the group port, joins the group (source-specific when source
// is non-nil) and returns the membership with its raw descriptor.
func Join(group *net.UDPAddr, source net.IP, ifName string) (*Conn, error) {
	e := errors.Template("mcast.Join", errors.K.IO, "group", group.String())

	var ifi *net.Interface
	if ifName != "" {
		var err error
		ifi, err = net.InterfaceByName(ifName)
		if err != nil {
			return nil, e(err, "interface", ifName)
		}
	}

	lc := net.ListenConfig{Control: reusePort}
	udp, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", group.IP, group.Port))
	if err != nil {
		return nil, e(err)
	}

	pc := ipv4.NewPacketConn(udp)
	ga := &net.UDPAddr{IP: group.IP}
	if source != nil {
		err = pc.JoinSourceSpecificGroup(ifi, ga, &net.UDPAddr{IP: source})
	} else {
		err = pc.JoinGroup(ifi, ga)
	}
	if err != nil {
		_ = udp.Close()
		return nil, e(err, "source", source)
	}

	fd := -1
	if sc, scErr := udp.(*net.UDPConn).SyscallConn(); scErr == nil {
		_ = sc.Control(func(u uintptr) { fd = int(u) })
	}
	if fd < 0 {
		_ = udp.Close()
		return nil, e("reason", "no raw descriptor")
	}

	log.Debug("joined multicast group", "group", group.String(), "source", source, "fd", fd)
	return &Conn{udp: udp, pc: pc, fd: fd, group: group, source: source, ifi: ifi}, nil
}

// reusePort lets multiple workers bind the same group port.
func reusePort(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// FD returns the raw descriptor for readiness registration. Reads go
// through Read, not the net.PacketConn.
func (c *Conn) FD() int { return c.fd }

// Read receives one datagram into p without blocking.
func (c *Conn) Read(p []byte) (int, error) {
	n, _, err := unix.Recvfrom(c.fd, p, unix.MSG_DONTWAIT)
	return n, err
}

// Rejoin drops and re-adds the membership on the same socket, forcing a
// fresh IGMP report. Some access networks require this to keep the group
// flowing.
func (c *Conn) Rejoin() error {
	e := errors.Template("mcast.Rejoin", errors.K.IO, "group", c.group.String())
	ga := &net.UDPAddr{IP: c.group.IP}
	if c.source != nil {
		sa := &net.UDPAddr{IP: c.source}
		if err := c.pc.LeaveSourceSpecificGroup(c.ifi, ga, sa); err != nil {
			log.Debug("leave before rejoin failed", "err", err)
		}
		if err := c.pc.JoinSourceSpecificGroup(c.ifi, ga, sa); err != nil {
			return e(err)
		}
		return nil
	}
	if err := c.pc.LeaveGroup(c.ifi, ga); err != nil {
		log.Debug("leave before rejoin failed", "err", err)
	}
	if err := c.pc.JoinGroup(c.ifi, ga); err != nil {
		return e(err)
	}
	return nil
}

// Close leaves the group and closes the socket.
func (c *Conn) Close() error {
	if c.udp == nil {
		return nil
	}
	err := c.udp.Close()
	c.udp = nil
	return err
}
