// Package m3u ingests M3U channel lists (inline configuration or fetched
// external playlists) and serves the transformed playlist whose entries
// point back at this gateway.
package m3u

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"github.com/grafov/m3u8"

	"github.com/tsgate/tsgate/service"
)

var log = elog.Get("tsgate/m3u")

// Entry pairs a service with the EXTINF metadata it was declared with, so
// the transformed playlist can carry tvg attributes through unchanged.
type Entry struct {
	Svc    *service.Service
	Extinf string // raw attribute part, e.g. `-1 tvg-id="c1" group-title="News"`
	Title  string
}

// Store holds the parsed entries and the rendered transformed playlist.
// Parsing happens on whichever worker triggered the (re)load; rendering is
// cached and swapped atomically under the lock.
type Store struct {
	mu             sync.RWMutex
	inline         []Entry
	external       []Entry
	transformed    string
	transformedKey string
}

// IsHeader reports whether line begins an M3U document.
func IsHeader(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#EXTM3U")
}

// Parse reads M3U content and produces entries. Standard playlists are
// decoded with the m3u8 library; IPTV-flavored lists that it rejects fall
// back to a line scanner that understands the EXTINF attribute syntax.
func Parse(content string, origin service.Origin) ([]Entry, error) {
	e := errors.Template("m3u.Parse", errors.K.Invalid)
	if !IsHeader(content) {
		return nil, e("reason", "missing #EXTM3U header")
	}

	if entries, err := parseStrict(content, origin); err == nil && len(entries) > 0 {
		return entries, nil
	}
	return scanEntries(content, origin), nil
}

// parseStrict decodes via the m3u8 library. Only media playlists whose
// segment URIs use gateway-supported schemes yield entries.
func parseStrict(content string, origin service.Origin) ([]Entry, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader([]byte(content)), true)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("not a media playlist")
	}
	media := pl.(*m3u8.MediaPlaylist)
	var entries []Entry
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		svc, sErr := service.FromMediaURL(seg.URI)
		if sErr != nil {
			continue
		}
		if seg.Title != "" {
			svc.Name = sanitizeName(seg.Title)
		}
		svc.Origin = origin
		entries = append(entries, Entry{Svc: svc, Extinf: "-1", Title: seg.Title})
	}
	return entries, nil
}

// scanEntries handles the IPTV dialect: EXTINF lines carrying key="value"
// attributes before the comma-separated title, followed by the media URL.
func scanEntries(content string, origin service.Origin) []Entry {
	var entries []Entry
	var pendingAttrs, pendingTitle string
	haveExtinf := false

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || IsHeader(line):
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			body := line[len("#EXTINF:"):]
			if i := lastUnquotedComma(body); i >= 0 {
				pendingAttrs, pendingTitle = body[:i], strings.TrimSpace(body[i+1:])
			} else {
				pendingAttrs, pendingTitle = body, ""
			}
			haveExtinf = true
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if !haveExtinf {
				continue
			}
			svc, err := service.FromMediaURL(line)
			if err != nil {
				log.Debug("playlist entry skipped", "url", line, "err", err)
				haveExtinf = false
				continue
			}
			if pendingTitle != "" {
				svc.Name = sanitizeName(pendingTitle)
			}
			svc.Origin = origin
			entries = append(entries, Entry{Svc: svc, Extinf: pendingAttrs, Title: pendingTitle})
			haveExtinf = false
		}
	}
	return entries
}

// lastUnquotedComma finds the comma separating attributes from the title.
func lastUnquotedComma(s string) int {
	inQuote := false
	last := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				last = i
			}
		}
	}
	return last
}

func sanitizeName(title string) string {
	name := strings.TrimSpace(title)
	name = strings.ReplaceAll(name, "/", "_")
	return name
}

// SetInline replaces the inline entries.
func (s *Store) SetInline(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inline = entries
	s.transformed = ""
}

// SetExternal replaces the externally-fetched entries.
func (s *Store) SetExternal(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external = entries
	s.transformed = ""
	log.Info("external playlist applied", "channels", len(entries))
}

// Services returns the service objects of every entry, inline first.
func (s *Store) Services() []*service.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*service.Service, 0, len(s.inline)+len(s.external))
	for _, e := range s.inline {
		out = append(out, e.Svc)
	}
	for _, e := range s.external {
		out = append(out, e.Svc)
	}
	return out
}

// Transformed renders (and caches) the playlist whose URLs point at this
// gateway. base is "http://host:port" without a trailing slash; token, when
// non-empty, is appended to every entry as the r2h-token query parameter.
func (s *Store) Transformed(base, token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := base + "\x00" + token
	if s.transformed != "" && s.transformedKey == key {
		return s.transformed
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	render := func(entries []Entry) {
		for _, e := range entries {
			extinf := e.Extinf
			if extinf == "" {
				extinf = "-1"
			}
			if e.Title != "" {
				fmt.Fprintf(&b, "#EXTINF:%s,%s\n", extinf, e.Title)
			} else {
				fmt.Fprintf(&b, "#EXTINF:%s,%s\n", extinf, e.Svc.Name)
			}
			u := base + "/" + url.PathEscape(e.Svc.Name)
			if token != "" {
				u += "?r2h-token=" + url.QueryEscape(token)
			}
			b.WriteString(u)
			b.WriteByte('\n')
		}
	}
	render(s.inline)
	render(s.external)
	s.transformed = b.String()
	s.transformedKey = key
	return s.transformed
}
