// Package config loads the gateway configuration from CLI flags and the
// INI-style configuration file with [global], [bind] and [services]
// sections.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"

	"github.com/tsgate/tsgate/service"
)

var log = elog.Get("tsgate/config")

// Process exit codes.
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitBind       = 2
	ExitSocketRead = 3
)

// Defaults.
const (
	DefaultListen      = ":5140"
	DefaultWorkers     = 1
	DefaultMaxClients  = 64
	DefaultStatusRoute = "status"
	DefaultPoolMax     = 16384
)

// Config is the immutable runtime configuration.
type Config struct {
	ListenAddrs []string
	Workers     int
	MaxClients  int
	Verbosity   string

	Hostname    string // required Host header when set
	Token       string // r2h-token query parameter when set
	StatusRoute string

	UDPxy             bool
	UpstreamInterface string
	McastRejoinSec    int
	PoolMaxBuffers    int
	ZerocopySend      bool

	ExternalM3U            string
	ExternalM3UIntervalSec int

	// Services declared inline in the configuration file.
	Services []*service.Service
}

// Default returns a config with defaults applied.
func Default() *Config {
	return &Config{
		ListenAddrs:    []string{DefaultListen},
		Workers:        DefaultWorkers,
		MaxClients:     DefaultMaxClients,
		Verbosity:      "info",
		StatusRoute:    DefaultStatusRoute,
		UDPxy:          true,
		PoolMaxBuffers: DefaultPoolMax,
	}
}

// LoadFile overlays the configuration file onto c.
func (c *Config) LoadFile(path string) error {
	e := errors.Template("config.LoadFile", errors.K.Invalid, "path", path)
	f, err := os.Open(path)
	if err != nil {
		return e(err)
	}
	defer func() { _ = f.Close() }()

	section := ""
	var bindAddrs []string
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(line[1 : len(line)-1])
			continue
		}
		switch section {
		case "global":
			if err := c.applyGlobal(line); err != nil {
				return e(err, "line", lineNo)
			}
		case "bind":
			bindAddrs = append(bindAddrs, line)
		case "services":
			if err := c.applyService(line); err != nil {
				return e(err, "line", lineNo)
			}
		default:
			return e("reason", "line outside any section", "line", lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return e(err)
	}
	if len(bindAddrs) > 0 {
		c.ListenAddrs = bindAddrs
	}
	return c.Validate()
}

func (c *Config) applyGlobal(line string) error {
	e := errors.Template("config.global", errors.K.Invalid, "line", line)
	key, val, ok := splitKV(line)
	if !ok {
		return e("reason", "expected key=value")
	}
	switch key {
	case "verbosity":
		c.Verbosity = val
	case "workers":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return e("reason", "bad worker count")
		}
		c.Workers = n
	case "maxclients":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return e("reason", "bad maxclients")
		}
		c.MaxClients = n
	case "hostname":
		c.Hostname = val
	case "r2h-token":
		c.Token = val
	case "status-page-route":
		c.StatusRoute = strings.Trim(val, "/")
	case "udpxy":
		c.UDPxy = isTrue(val)
	case "upstream-interface":
		c.UpstreamInterface = val
	case "mcast-rejoin-interval":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return e("reason", "bad rejoin interval")
		}
		c.McastRejoinSec = n
	case "buffer-pool-max-size":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return e("reason", "bad pool size")
		}
		c.PoolMaxBuffers = n
	case "zerocopy-on-send":
		c.ZerocopySend = isTrue(val)
	case "external-m3u":
		c.ExternalM3U = val
	case "external-m3u-update-interval":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return e("reason", "bad update interval")
		}
		c.ExternalM3UIntervalSec = n
	default:
		return e("reason", "unknown key", "key", key)
	}
	return nil
}

// applyService parses "<name> <url> [fcc=<addr:port>]".
func (c *Config) applyService(line string) error {
	e := errors.Template("config.service", errors.K.Invalid, "line", line)
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return e("reason", "expected <name> <url>")
	}
	svc, err := service.FromMediaURL(fields[1])
	if err != nil {
		return e(err)
	}
	svc.Name = fields[0]
	svc.Origin = service.OriginInline
	for _, opt := range fields[2:] {
		k, v, ok := splitKV(opt)
		if !ok {
			return e("reason", "bad option", "opt", opt)
		}
		switch k {
		case "fcc":
			merged, mErr := svc.WithQuery("fcc=" + v)
			if mErr != nil {
				return e(mErr)
			}
			svc = merged
		case "playseek":
			svc.Playseek = v
		default:
			return e("reason", "unknown option", "opt", k)
		}
	}
	c.Services = append(c.Services, svc)
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	e := errors.Template("config.Validate", errors.K.Invalid)
	if len(c.ListenAddrs) == 0 {
		return e("reason", "no listen address")
	}
	// Bounded by the status registry's per-worker slot array.
	if c.Workers > 32 {
		return e("reason", "too many workers", "workers", c.Workers)
	}
	seen := map[string]bool{}
	for _, s := range c.Services {
		if seen[s.Name] {
			return e("reason", "duplicate service name", "name", s.Name)
		}
		seen[s.Name] = true
	}
	if c.ExternalM3UIntervalSec > 0 && c.ExternalM3U == "" {
		return e("reason", "update interval without external-m3u")
	}
	log.Debug("configuration validated",
		"listen", c.ListenAddrs, "workers", c.Workers, "services", len(c.Services))
	return nil
}

func splitKV(s string) (string, string, bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(s[:i])), strings.TrimSpace(s[i+1:]), true
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
