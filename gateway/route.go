package gateway

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	elog "github.com/eluv-io/log-go"

	"github.com/tsgate/tsgate/service"
)

// route dispatches a complete request to its handler. Pre-stream failures
// answer with a plain status and transition to Closing.
func (c *Conn) route() {
	req := &c.req
	cfg := c.w.cfg

	log.Info("request", "method", req.Method, "url", req.Target, "remote", c.remoteAddr)

	if !strings.HasPrefix(req.Target, "/") {
		c.respondAndClose(400, contentHTML, nil)
		return
	}

	if cfg.Hostname != "" {
		if req.Host == "" || !hostMatches(req.Host, cfg.Hostname) {
			log.Warn("host header rejected", "got", req.Host, "want", cfg.Hostname)
			c.respondAndClose(400, contentHTML, nil)
			return
		}
	}

	path, rawQuery := pathAndQuery(req.Target)

	if cfg.Token != "" {
		tok, ok := queryParam(rawQuery, "r2h-token")
		if !ok || tok != cfg.Token {
			log.Warn("token rejected", "remote", c.remoteAddr)
			c.respondAndClose(401, contentHTML, nil)
			return
		}
	}

	trimmed := strings.TrimSuffix(path[1:], "/")
	statusRoute := cfg.StatusRoute

	switch trimmed {
	case statusRoute:
		c.handleStatusPage()
		return
	case statusRoute + "/sse":
		c.handleSSEInit()
		return
	case statusRoute + "/api/disconnect":
		c.handleDisconnectAPI(rawQuery)
		return
	case statusRoute + "/api/log-level":
		c.handleLogLevelAPI(rawQuery)
		return
	case "playlist.m3u":
		c.handlePlaylist()
		return
	}
	if strings.HasPrefix(trimmed, statusRoute+"/api/") {
		c.respondAndClose(404, contentHTML, nil)
		return
	}

	decoded, err := url.PathUnescape(trimmed)
	if err != nil {
		c.respondAndClose(400, contentHTML, nil)
		return
	}

	// The connection always streams from its own clone; query parameters
	// never reach the canonical service.
	svc := c.w.services.Find(decoded)
	if svc != nil {
		merged, mErr := svc.WithQuery(rawQuery)
		if mErr != nil {
			c.respondAndClose(400, contentHTML, nil)
			return
		}
		svc = merged
	} else if cfg.UDPxy {
		if parsed, pErr := service.FromUDPxyPath(req.Target); pErr == nil {
			svc = parsed
		}
	}
	if svc == nil {
		c.respondAndClose(404, contentHTML, nil)
		return
	}

	// HEAD answers with stream headers and never touches the upstream.
	if req.Method == "HEAD" {
		log.Info("HEAD request answered without upstream join", "url", req.Target)
		c.queueBytesAndFlush(responseHead(200, contentMP2T, "", false))
		c.state = connClosing
		return
	}

	if svc.Type == service.RTSP && req.UserAgent != "" {
		svc.UserAgent = req.UserAgent
	}

	if c.w.registry.TotalClients() >= cfg.MaxClients {
		c.respondAndClose(503, contentHTML, nil)
		return
	}

	display := "/" + decoded
	if rawQuery != "" {
		display += "?" + rawQuery
	}
	c.statusIdx = c.w.registry.RegisterClient(c.w.id, c.remoteAddr, display)

	c.queueBytesOut(responseHead(200, contentMP2T, "", false))

	st := newStreamContext(c, svc)
	if err := st.start(); err != nil {
		log.Error("stream start failed", "url", req.Target, "err", err)
		if c.statusIdx >= 0 {
			c.w.registry.UnregisterClient(c.statusIdx)
			c.statusIdx = -1
		}
		c.state = connClosing
		c.enableWrite()
		return
	}

	c.w.pools.RegisterStream()
	c.streamRegistered = true
	c.stream = st
	c.streaming = true
	c.state = connStreaming
	c.bufferClass = classMedia
	c.enableWrite()
}

// respondAndClose queues a header-only response and closes.
func (c *Conn) respondAndClose(status int, contentType string, body []byte) {
	extra := ""
	if body != nil {
		extra = fmt.Sprintf("Content-Length: %d\r\n", len(body))
	}
	c.queueBytesOut(responseHead(status, contentType, extra, true))
	if body != nil {
		c.queueBytesOut(body)
	}
	c.enableWrite()
	c.state = connClosing
}

func (c *Conn) handleStatusPage() {
	c.respondAndClose(200, contentHTML, []byte(statusPageHTML))
}

func (c *Conn) handlePlaylist() {
	base := "http://" + c.req.Host
	if c.req.Host == "" {
		base = "http://" + c.w.cfg.ListenAddrs[0]
	}
	playlist := c.w.store.Transformed(base, c.w.cfg.Token)
	if playlist == "" {
		c.respondAndClose(404, contentHTML, nil)
		return
	}
	c.respondAndClose(200, contentM3U, []byte(playlist))
}

// handleSSEInit upgrades the connection to a server-sent-events stream of
// status snapshots.
func (c *Conn) handleSSEInit() {
	c.queueBytesOut(responseHead(200, contentSSE, "Cache-Control: no-cache\r\n", false))
	c.sseActive = true
	c.state = connSSE
	c.sseLastBeatMS = 0 // force an immediate snapshot on the next beat
	c.enableWrite()
}

// sseHeartbeat pushes a snapshot frame roughly once a second.
func (c *Conn) sseHeartbeat(now int64) {
	if !c.sseActive || c.state != connSSE {
		return
	}
	if c.sseLastBeatMS != 0 && now-c.sseLastBeatMS < 1000 {
		return
	}
	c.sseLastBeatMS = now
	var b strings.Builder
	b.WriteString("data: ")
	b.Write(c.w.registry.SnapshotJSON())
	b.WriteString("\n\n")
	c.queueBytesAndFlush([]byte(b.String()))
}

func (c *Conn) handleDisconnectAPI(rawQuery string) {
	if c.req.Method != "POST" {
		c.respondAndClose(400, contentJSON, []byte(`{"error":"POST required"}`))
		return
	}
	idxStr, ok := queryParam(rawQuery, "index")
	if !ok {
		c.respondAndClose(400, contentJSON, []byte(`{"error":"missing index"}`))
		return
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || !c.w.registry.RequestDisconnect(idx) {
		c.respondAndClose(404, contentJSON, []byte(`{"error":"no such client"}`))
		return
	}
	log.Info("disconnect requested via API", "index", idx)
	c.respondAndClose(200, contentJSON, []byte(`{"ok":true}`))
}

func (c *Conn) handleLogLevelAPI(rawQuery string) {
	if c.req.Method != "POST" {
		c.respondAndClose(400, contentJSON, []byte(`{"error":"POST required"}`))
		return
	}
	level, ok := queryParam(rawQuery, "level")
	if !ok {
		c.respondAndClose(400, contentJSON, []byte(`{"error":"missing level"}`))
		return
	}
	switch level {
	case "trace", "debug", "info", "warn", "error":
	default:
		c.respondAndClose(400, contentJSON, []byte(`{"error":"bad level"}`))
		return
	}
	elog.SetDefault(&elog.Config{Level: level, Handler: "text"})
	c.w.registry.SetLogLevel(level)
	c.w.registry.AddLog("info", "log level changed to "+level)
	log.Info("log level changed", "level", level)
	c.respondAndClose(200, contentJSON, []byte(`{"ok":true}`))
}
