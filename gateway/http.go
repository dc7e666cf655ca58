package gateway

import (
	"fmt"
	"net/url"
	"strings"
)

// The gateway speaks just enough HTTP/1.1 to accept a GET/HEAD/POST, route
// it, and answer with fixed headers followed by an open-ended body.

const inbufMax = 16 * 1024

// httpRequest is the parsed request head.
type httpRequest struct {
	Method    string
	Target    string // as received, percent-encoded
	Host      string
	UserAgent string
	Accept    string
}

// parseRequest consumes a complete request head from buf. Returns the
// parsed request, the number of bytes consumed (0 while incomplete), and
// ok=false on a malformed head.
func parseRequest(buf []byte) (req httpRequest, consumed int, ok bool) {
	s := string(buf)
	end := strings.Index(s, "\r\n\r\n")
	if end < 0 {
		return httpRequest{}, 0, true
	}
	lines := strings.Split(s[:end], "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return httpRequest{}, 0, false
	}
	req.Method = strings.ToUpper(fields[0])
	req.Target = fields[1]
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return httpRequest{}, 0, false
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		val := strings.TrimSpace(line[i+1:])
		switch key {
		case "host":
			req.Host = val
		case "user-agent":
			req.UserAgent = val
		case "accept":
			req.Accept = val
		}
	}
	return req, end + 4, true
}

// pathAndQuery splits the request target.
func pathAndQuery(target string) (string, string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// queryParam returns the URL-decoded value of name from a raw query string.
func queryParam(rawQuery, name string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		if kv[:i] != name {
			continue
		}
		v, err := url.QueryUnescape(kv[i+1:])
		if err != nil {
			return "", false
		}
		return v, true
	}
	return "", false
}

// hostMatches compares a Host header against the configured hostname,
// ignoring case and any :port suffix.
func hostMatches(hostHeader, configured string) bool {
	h := hostHeader
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return strings.EqualFold(h, configured)
}

// Content types.
const (
	contentMP2T = "video/mp2t"
	contentHTML = "text/html; charset=utf-8"
	contentJSON = "application/json"
	contentM3U  = "audio/x-mpegurl"
	contentSSE  = "text/event-stream"
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	404: "Not Found",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// responseHead renders the response head for a streaming or closing reply.
func responseHead(status int, contentType string, extra string, close bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\nServer: tsgate\r\n", status, statusText[status])
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	if close {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString(extra)
	b.WriteString("\r\n")
	return []byte(b.String())
}
