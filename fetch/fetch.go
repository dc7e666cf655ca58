// Package fetch runs external HTTP(S) downloads (the external playlist)
// as a curl child process whose stdout pipe feeds the worker's readiness
// facility, keeping the event loop free of blocking network I/O.
package fetch

import (
	"bytes"
	"os"
	"os/exec"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"golang.org/x/sys/unix"
)

var log = elog.Get("tsgate/fetch")

const maxContentBytes = 8 * 1024 * 1024

// Request is one in-flight download.
type Request struct {
	url      string
	cmd      *exec.Cmd
	pipe     *os.File
	fd       int
	buf      bytes.Buffer
	callback func(content []byte)
	done     bool
}

// Start launches curl and returns the request with its readable descriptor.
// The callback runs exactly once: with the fetched content on success, or
// nil on failure or cancellation.
func Start(url string, callback func(content []byte)) (*Request, error) {
	e := errors.Template("fetch.Start", errors.K.IO, "url", url)

	cmd := exec.Command("curl", "-s", "-L", "--max-time", "30", url)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, e(err)
	}
	pipe, ok := stdout.(*os.File)
	if !ok {
		return nil, e("reason", "pipe is not a file")
	}
	if err := cmd.Start(); err != nil {
		return nil, e(err)
	}
	fd := int(pipe.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = cmd.Process.Kill()
		return nil, e(err)
	}

	log.Debug("fetch started", "url", url, "pid", cmd.Process.Pid)
	return &Request{url: url, cmd: cmd, pipe: pipe, fd: fd, callback: callback}, nil
}

// FD returns the pipe descriptor for readiness registration.
func (r *Request) FD() int { return r.fd }

// HandleEvent consumes readable data. Returns true when the request
// finished (successfully or not); the descriptor is then closed and must
// be removed from the readiness facility.
func (r *Request) HandleEvent() bool {
	var tmp [16 * 1024]byte
	for {
		n, err := unix.Read(r.fd, tmp[:])
		if n > 0 {
			if r.buf.Len()+n > maxContentBytes {
				log.Error("fetch response too large", "url", r.url)
				r.Cancel()
				return true
			}
			r.buf.Write(tmp[:n])
			continue
		}
		if err == unix.EAGAIN {
			return false
		}
		if err == unix.EINTR {
			continue
		}
		// EOF or error: the child is done.
		ok := r.reap()
		if ok {
			r.finish(r.buf.Bytes())
		} else {
			r.finish(nil)
		}
		return true
	}
}

func (r *Request) reap() bool {
	_ = r.pipe.Close()
	if err := r.cmd.Wait(); err != nil {
		log.Warn("fetch child failed", "url", r.url, "err", err)
		return false
	}
	return true
}

func (r *Request) finish(content []byte) {
	if r.done {
		return
	}
	r.done = true
	cb := r.callback
	r.callback = nil
	if cb != nil {
		cb(content)
	}
}

// Cancel kills the child and invokes the callback with nil.
func (r *Request) Cancel() {
	if r.done {
		return
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.pipe.Close()
	_ = r.cmd.Wait()
	log.Debug("fetch cancelled", "url", r.url)
	r.finish(nil)
}
