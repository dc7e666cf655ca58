package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	raw := "GET /ch1?a=b HTTP/1.1\r\nHost: gw.lan:5140\r\nUser-Agent: vlc/3.0\r\nAccept: */*\r\n\r\nEXTRA"
	req, consumed, ok := parseRequest([]byte(raw))
	require.True(t, ok)
	assert.Equal(t, len(raw)-len("EXTRA"), consumed)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/ch1?a=b", req.Target)
	assert.Equal(t, "gw.lan:5140", req.Host)
	assert.Equal(t, "vlc/3.0", req.UserAgent)
}

func TestParseRequestIncomplete(t *testing.T) {
	_, consumed, ok := parseRequest([]byte("GET /ch1 HTTP/1.1\r\nHost: x\r\n"))
	assert.True(t, ok)
	assert.Zero(t, consumed, "incomplete head needs more bytes")
}

func TestParseRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"GET /ch1\r\n\r\n",
		"GET /ch1 HTTP/1.1 extra words\r\n\r\n",
		"GET /ch1 HTTP/1.1\r\nbroken header line\r\n\r\n",
	} {
		_, _, ok := parseRequest([]byte(raw))
		assert.False(t, ok, "should reject %q", raw)
	}
}

func TestHostMatches(t *testing.T) {
	assert.True(t, hostMatches("gw.lan", "gw.lan"))
	assert.True(t, hostMatches("GW.LAN:8080", "gw.lan"))
	assert.False(t, hostMatches("other.lan", "gw.lan"))
	assert.False(t, hostMatches("", "gw.lan"))
}

func TestQueryParam(t *testing.T) {
	v, ok := queryParam("a=1&r2h-token=s%20v&b=2", "r2h-token")
	require.True(t, ok)
	assert.Equal(t, "s v", v)

	_, ok = queryParam("a=1", "missing")
	assert.False(t, ok)
}

func TestResponseHead(t *testing.T) {
	head := string(responseHead(200, contentMP2T, "", false))
	assert.Contains(t, head, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, head, "Content-Type: video/mp2t\r\n")
	assert.NotContains(t, head, "Connection: close")
	assert.True(t, len(head) >= 4 && head[len(head)-4:] == "\r\n\r\n")

	head = string(responseHead(503, contentHTML, "", true))
	assert.Contains(t, head, "503 Service Unavailable")
	assert.Contains(t, head, "Connection: close\r\n")
}

func TestPathAndQuery(t *testing.T) {
	p, q := pathAndQuery("/ch1?x=1")
	assert.Equal(t, "/ch1", p)
	assert.Equal(t, "x=1", q)

	p, q = pathAndQuery("/ch1")
	assert.Equal(t, "/ch1", p)
	assert.Empty(t, q)
}
