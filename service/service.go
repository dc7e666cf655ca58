// Package service models a named upstream: a multicast RTP/UDP group with
// optional source and FCC rendezvous, or an RTSP URL. Configured services
// are immutable once published; per-request query parameters operate on
// clones only.
package service

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("tsgate/service")

// Type selects the upstream protocol family.
type Type int

const (
	// MRTP is multicast RTP or raw UDP, optionally FCC-assisted.
	MRTP Type = iota
	// RTSP is a unicast RTSP session.
	RTSP
)

// Origin records where a service definition came from.
type Origin int

const (
	// OriginInline services come from the configuration file.
	OriginInline Origin = iota
	// OriginExternal services come from a fetched external playlist.
	OriginExternal
)

// Service is one upstream definition.
type Service struct {
	Name   string
	Type   Type
	Origin Origin

	// MRTP fields.
	Group    *net.UDPAddr
	SourceIP net.IP
	FCCAddr  *net.UDPAddr

	// RTSP fields.
	RTSPURL  string
	Playseek string

	UserAgent string
}

// Clone returns an independent copy the caller may mutate.
func (s *Service) Clone() *Service {
	c := *s
	if s.Group != nil {
		g := *s.Group
		c.Group = &g
	}
	if s.FCCAddr != nil {
		f := *s.FCCAddr
		c.FCCAddr = &f
	}
	if s.SourceIP != nil {
		c.SourceIP = append(net.IP(nil), s.SourceIP...)
	}
	return &c
}

// parseHostPort parses "addr:port" into a UDP address.
func parseHostPort(s string) (*net.UDPAddr, error) {
	e := errors.Template("service.parseHostPort", errors.K.Invalid, "addr", s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, e(err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// FCC rendezvous may be a hostname; resolve once at parse time.
		addrs, rErr := net.LookupIP(host)
		if rErr != nil || len(addrs) == 0 {
			return nil, e("reason", "unresolvable host")
		}
		ip = addrs[0]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, e("reason", "bad port")
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// FromUDPxyPath parses UDPxy-compatible request paths:
//
//	/udp/<group>:<port>[@<source>[:<port>]][?fcc=<addr:port>]
//	/rtp/<group>:<port>[@<source>[:<port>]][?fcc=<addr:port>]
//
// Both forms yield an MRTP service; the receive path detects RTP framing
// per packet, so /udp and /rtp behave identically.
func FromUDPxyPath(rawPath string) (*Service, error) {
	e := errors.Template("service.FromUDPxyPath", errors.K.Invalid, "path", rawPath)

	path := rawPath
	var query string
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}

	var rest string
	switch {
	case strings.HasPrefix(path, "/udp/"):
		rest = path[len("/udp/"):]
	case strings.HasPrefix(path, "/rtp/"):
		rest = path[len("/rtp/"):]
	default:
		return nil, e("reason", "not a udpxy path")
	}
	rest = strings.TrimSuffix(rest, "/")

	var sourcePart string
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest, sourcePart = rest[:i], rest[i+1:]
	}

	group, err := parseHostPort(rest)
	if err != nil {
		return nil, e(err)
	}
	if !group.IP.IsMulticast() {
		return nil, e("reason", "not a multicast group", "ip", group.IP.String())
	}

	svc := &Service{Name: path[1:], Type: MRTP, Group: group}

	if sourcePart != "" {
		// A bare address or address:port; the port is ignored for SSM.
		host := sourcePart
		if h, _, sErr := net.SplitHostPort(sourcePart); sErr == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, e("reason", "bad source address", "source", sourcePart)
		}
		svc.SourceIP = ip
	}

	if query != "" {
		if err := svc.applyQuery(query); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// FromMediaURL parses rtp://, udp:// and rtsp:// URLs as found in M3U
// playlists and configuration files.
func FromMediaURL(raw string) (*Service, error) {
	e := errors.Template("service.FromMediaURL", errors.K.Invalid, "url", raw)
	switch {
	case strings.HasPrefix(raw, "rtp://"), strings.HasPrefix(raw, "udp://"):
		trimmed := raw[len("rtp://"):]
		svc, err := FromUDPxyPath("/rtp/" + trimmed)
		if err != nil {
			return nil, e(err)
		}
		return svc, nil
	case strings.HasPrefix(raw, "rtsp://"):
		return fromRTSPURL(raw)
	}
	return nil, e("reason", "unsupported scheme")
}

func fromRTSPURL(raw string) (*Service, error) {
	e := errors.Template("service.fromRTSPURL", errors.K.Invalid, "url", raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, e(err)
	}
	svc := &Service{Type: RTSP}
	q := u.Query()
	if ps := q.Get("playseek"); ps != "" {
		svc.Playseek = ps
		q.Del("playseek")
		u.RawQuery = q.Encode()
	}
	svc.RTSPURL = u.String()
	svc.Name = strings.TrimPrefix(u.Path, "/")
	return svc, nil
}

// applyQuery overlays request query parameters onto the (cloned) service.
// Recognized: fcc=<addr:port>, playseek=<range>, source=<ip>.
func (s *Service) applyQuery(rawQuery string) error {
	e := errors.Template("service.applyQuery", errors.K.Invalid, "query", rawQuery)
	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return e(err)
	}
	if fcc := vals.Get("fcc"); fcc != "" {
		addr, aErr := parseHostPort(fcc)
		if aErr != nil {
			return e(aErr)
		}
		s.FCCAddr = addr
	}
	if src := vals.Get("source"); src != "" {
		ip := net.ParseIP(src)
		if ip == nil {
			return e("reason", "bad source ip", "source", src)
		}
		s.SourceIP = ip
	}
	if ps := vals.Get("playseek"); ps != "" {
		s.Playseek = ps
	}
	return nil
}

// WithQuery clones a configured service and overlays the request's query
// parameters. The canonical service is never mutated. An empty query still
// clones, so the connection always owns its service instance.
func (s *Service) WithQuery(rawQuery string) (*Service, error) {
	c := s.Clone()
	if rawQuery == "" {
		return c, nil
	}
	if err := c.applyQuery(rawQuery); err != nil {
		return nil, err
	}
	return c, nil
}

// List is a name-addressable set of services shared by all workers.
// Entries are immutable; publication and removal swap entries under a
// read-write lock, so the hot path takes only a read lock.
type List struct {
	mu       sync.RWMutex
	services []*Service
}

// Publish appends services to the list.
func (l *List) Publish(svcs ...*Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, svcs...)
}

// Find returns the service whose name equals the URL-decoded path, or nil.
func (l *List) Find(name string) *Service {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// All returns a snapshot of the current services.
func (l *List) All() []*Service {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Service(nil), l.services...)
}

// DropExternal removes every service that came from an external playlist,
// keeping inline configuration intact.
func (l *List) DropExternal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := make([]*Service, 0, len(l.services))
	for _, s := range l.services {
		if s.Origin != OriginExternal {
			kept = append(kept, s)
		}
	}
	l.services = kept
	log.Debug("external services dropped", "remaining", len(kept))
}
