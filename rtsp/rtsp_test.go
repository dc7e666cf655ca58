package rtsp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsgate/tsgate/pool"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New("rtsp-test", 1536, 64, 256, 64, 8, 128)
	require.NoError(t, err)
	return p
}

type wire struct {
	sent []string
}

func (w *wire) install(t *testing.T) {
	t.Helper()
	old := writeSock
	writeSock = func(fd int, b []byte) (int, error) {
		w.sent = append(w.sent, string(b))
		return len(b), nil
	}
	t.Cleanup(func() { writeSock = old })
}

func (w *wire) last() string {
	if len(w.sent) == 0 {
		return ""
	}
	return w.sent[len(w.sent)-1]
}

type emitted struct {
	frames [][]byte
}

func (e *emitted) emit(b *pool.Buffer) int {
	e.frames = append(e.frames, append([]byte(nil), b.Bytes()...))
	return b.Len()
}

func testSession(t *testing.T, p *pool.Pool) (*Session, *emitted, *wire) {
	t.Helper()
	w := &wire{}
	w.install(t)
	e := &emitted{}
	s := NewSession(func() *pool.Buffer { return p.Alloc() }, e.emit)
	require.NoError(t, s.ParseURL("rtsp://vod.example:8554/live/ch1", "", "test-agent"))
	return s, e, w
}

// respond feeds a server response for the current outstanding request.
func respond(s *Session, now int64, extraHeaders string, body string) Result {
	head := fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %d\r\n%s", s.cseq, extraHeaders)
	if body != "" {
		head += fmt.Sprintf("Content-Length: %d\r\n", len(body))
	}
	s.inbuf = append(s.inbuf, head+"\r\n"+body...)
	for {
		res, _, progressed := s.consumeInbuf(now)
		if res != ResultOK || !progressed {
			return res
		}
	}
}

func TestParseURL(t *testing.T) {
	s := NewSession(nil, nil)
	require.NoError(t, s.ParseURL("rtsp://host:8554/a/b?x=1", "20240101T000000", "ua"))
	assert.Equal(t, "host", s.host)
	assert.Equal(t, 8554, s.port)
	assert.Equal(t, "/a/b?x=1", s.path)

	require.NoError(t, s.ParseURL("rtsp://host/a", "", ""))
	assert.Equal(t, 554, s.port, "default RTSP port")

	assert.Error(t, s.ParseURL("http://host/a", "", ""))
}

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.1\r\n" +
	"s=ch1\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 33\r\n" +
	"a=control:track1\r\n"

func TestHandshakeProgression(t *testing.T) {
	p := testPool(t)
	s, _, w := testSession(t, p)
	s.sock = 99 // fake descriptor; writes are intercepted
	s.state = StateConnecting

	// Connect completion is socket-level; drive the handshake from
	// OPTIONS onward.
	require.NoError(t, s.sendRequest("OPTIONS", s.requestURL()))
	s.setState(StateOptionsSent)
	assert.Contains(t, w.last(), "OPTIONS rtsp://vod.example:8554/live/ch1 RTSP/1.0\r\n")
	assert.Contains(t, w.last(), "User-Agent: test-agent\r\n")

	res := respond(s, 0, "Public: OPTIONS, DESCRIBE, SETUP, PLAY\r\n", "")
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, StateDescribeSent, s.State())
	assert.Contains(t, w.last(), "DESCRIBE ")
	assert.Contains(t, w.last(), "Accept: application/sdp\r\n")

	res = respond(s, 0, "Content-Base: rtsp://vod.example:8554/live/ch1/\r\n", testSDP)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, StateSetupSent, s.State())
	assert.Contains(t, w.last(), "SETUP rtsp://vod.example:8554/live/ch1/track1 RTSP/1.0\r\n")
	assert.Contains(t, w.last(), "Transport: RTP/AVP/TCP;unicast;interleaved=0-1\r\n")

	res = respond(s, 0, "Session: 12345678;timeout=60\r\nTransport: RTP/AVP/TCP;interleaved=0-1\r\n", "")
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, StatePlaySent, s.State())
	assert.Equal(t, "12345678", s.sessionID)
	assert.Equal(t, int64(55000), s.KeepaliveIntervalMS, "timeout minus safety margin")
	assert.Contains(t, w.last(), "PLAY ")
	assert.Contains(t, w.last(), "Session: 12345678\r\n")
	assert.Contains(t, w.last(), "Range: npt=0.000-\r\n")

	res = respond(s, 42, "Session: 12345678\r\n", "")
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, TransportTCP, s.Transport())
}

func TestPlayseekRangeHeader(t *testing.T) {
	p := testPool(t)
	s, _, w := testSession(t, p)
	s.sock = 99
	s.playseek = "20240101T000000"
	s.state = StateSetupSent
	s.cseq = 3

	res := respond(s, 0, "Session: 9;timeout=30\r\n", "")
	assert.Equal(t, ResultOK, res)
	assert.Contains(t, w.last(), "Range: npt=20240101T000000-\r\n")
}

func TestInterleavedDemux(t *testing.T) {
	p := testPool(t)
	s, e, _ := testSession(t, p)
	s.sock = 99
	s.state = StatePlaying

	media := []byte{0x80, 33, 0x12, 0x34, 0, 0, 0, 0, 0, 0, 0, 0, 0x47, 0xAA}
	frame := append([]byte{'$', 0, byte(len(media) >> 8), byte(len(media))}, media...)
	rtcp := append([]byte{'$', 1, 0, 4}, []byte{0x80, 200, 0, 0}...)

	s.inbuf = append(s.inbuf, frame...)
	s.inbuf = append(s.inbuf, rtcp...)
	for {
		res, _, progressed := s.consumeInbuf(0)
		require.Equal(t, ResultOK, res)
		if !progressed {
			break
		}
	}
	require.Len(t, e.frames, 1, "only channel 0 reaches the client")
	assert.Equal(t, media, e.frames[0])
	assert.Equal(t, p.NumBuffers(), p.NumFree())
}

func TestInterleavedPartialFrame(t *testing.T) {
	p := testPool(t)
	s, e, _ := testSession(t, p)
	s.state = StatePlaying

	full := append([]byte{'$', 0, 0, 4}, 0x47, 1, 2, 3)
	s.inbuf = append(s.inbuf, full[:3]...)
	_, _, progressed := s.consumeInbuf(0)
	assert.False(t, progressed, "incomplete frame waits for more bytes")
	assert.Empty(t, e.frames)

	s.inbuf = append(s.inbuf, full[3:]...)
	_, _, progressed = s.consumeInbuf(0)
	assert.True(t, progressed)
	require.Len(t, e.frames, 1)
	assert.Equal(t, []byte{0x47, 1, 2, 3}, e.frames[0])
}

func TestKeepaliveDue(t *testing.T) {
	p := testPool(t)
	s, _, w := testSession(t, p)
	s.sock = 99
	s.state = StatePlaying
	s.transport = TransportUDP
	s.sessionID = "77"
	s.KeepaliveIntervalMS = 30000

	assert.False(t, s.KeepaliveDue(1000), "first call seeds the timer")
	assert.False(t, s.KeepaliveDue(1000+29999))
	assert.True(t, s.KeepaliveDue(1000+30000))

	s.SendKeepalive(31000)
	assert.Contains(t, w.last(), "OPTIONS ")
	assert.Contains(t, w.last(), "Session: 77\r\n")
	assert.Equal(t, int64(31000), s.LastKeepaliveMS)

	// TCP transport never keeps alive out of band.
	s.transport = TransportTCP
	assert.False(t, s.KeepaliveDue(1000000))
}

func TestAsyncTeardown(t *testing.T) {
	p := testPool(t)
	s, _, w := testSession(t, p)
	s.sock = 99
	s.state = StatePlaying
	s.sessionID = "55"

	async := s.Cleanup(5000)
	assert.True(t, async, "playing session defers cleanup behind TEARDOWN")
	assert.Equal(t, StateTeardownSent, s.State())
	assert.Contains(t, w.last(), "TEARDOWN ")

	assert.False(t, s.TeardownExpired(5000+TeardownTimeoutMS-1))
	assert.True(t, s.TeardownExpired(5000+TeardownTimeoutMS))

	res := respond(s, 6000, "Session: 55\r\n", "")
	assert.Equal(t, ResultTeardownDone, res)
	assert.Equal(t, StateClosed, s.State())
}

func TestCleanupIdleIsSynchronous(t *testing.T) {
	p := testPool(t)
	s, _, _ := testSession(t, p)
	s.state = StateOptionsSent
	s.sock = -1
	assert.False(t, s.Cleanup(0), "pre-play session closes immediately")
	assert.Equal(t, StateClosed, s.State())
}

func TestNon200ClosesSession(t *testing.T) {
	p := testPool(t)
	s, _, _ := testSession(t, p)
	s.sock = 99
	s.state = StateDescribeSent
	s.cseq = 2

	s.inbuf = append(s.inbuf, "RTSP/1.0 404 Not Found\r\nCSeq: 2\r\n\r\n"...)
	res, _, _ := s.consumeInbuf(0)
	assert.Equal(t, ResultClosed, res)
}

func TestStaleCSeqIgnored(t *testing.T) {
	p := testPool(t)
	s, _, _ := testSession(t, p)
	s.sock = 99
	s.state = StatePlaying
	s.cseq = 9

	s.inbuf = append(s.inbuf, "RTSP/1.0 200 OK\r\nCSeq: 3\r\n\r\n"...)
	res, _, progressed := s.consumeInbuf(0)
	assert.Equal(t, ResultOK, res)
	assert.True(t, progressed)
	assert.Equal(t, StatePlaying, s.State())
}

func TestPickSetupURLVariants(t *testing.T) {
	s := &Session{host: "h", port: 554, path: "/x"}

	assert.Equal(t, "rtsp://h:554/x", s.pickSetupURL("not sdp at all", ""))
	assert.Equal(t, "rtsp://h:554/x/track1", s.pickSetupURL(testSDP, ""))

	absolute := strings.Replace(testSDP, "a=control:track1", "a=control:rtsp://other/abs", 1)
	assert.Equal(t, "rtsp://other/abs", s.pickSetupURL(absolute, ""))
}
