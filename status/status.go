// Package status is the telemetry surface shared by all workers: per-client
// cells, per-worker send-path statistics, the recent-log ring, and the JSON
// snapshots served to the status page and its SSE stream.
//
// Every numeric field is a single-writer atomic: the worker owning a client
// writes its cell, any worker may read every cell. The only cross-worker
// writes are the disconnect-request flag and the runtime log level.
package status

import (
	"encoding/json"
	"sync"
	"time"

	elog "github.com/eluv-io/log-go"
	"go.uber.org/atomic"
)

var log = elog.Get("tsgate/status")

// MaxClients bounds the client cell array.
const MaxClients = 256

// MaxWorkers bounds the per-worker statistics array.
const MaxWorkers = 32

// MaxLogEntries bounds the recent-log ring.
const MaxLogEntries = 100

// ClientState is the coarse state shown on the status page.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateFCCInit
	StateFCCRequested
	StateFCCUnicastPending
	StateFCCUnicastActive
	StateFCCMcastRequested
	StateFCCMcastActive
	StateRTSPConnecting
	StateRTSPHandshake
	StateRTSPPlaying
	StateRTSPTeardown
	StateError
	StateDisconnected
)

var stateNames = map[ClientState]string{
	StateConnecting:        "connecting",
	StateFCCInit:           "fcc-init",
	StateFCCRequested:      "fcc-requested",
	StateFCCUnicastPending: "fcc-unicast-pending",
	StateFCCUnicastActive:  "fcc-unicast-active",
	StateFCCMcastRequested: "fcc-mcast-requested",
	StateFCCMcastActive:    "mcast-active",
	StateRTSPConnecting:    "rtsp-connecting",
	StateRTSPHandshake:     "rtsp-handshake",
	StateRTSPPlaying:       "rtsp-playing",
	StateRTSPTeardown:      "rtsp-teardown",
	StateError:             "error",
	StateDisconnected:      "disconnected",
}

func (s ClientState) String() string { return stateNames[s] }

// ClientCell is one slot of the client array.
type ClientCell struct {
	Active      atomic.Bool
	WorkerID    atomic.Int32
	ConnectedMS atomic.Int64
	Addr        atomic.String
	URL         atomic.String
	State       atomic.Int32

	BytesSent atomic.Uint64
	Bandwidth atomic.Uint64 // bytes/sec, 1 s snapshots

	QueueBytes        atomic.Int64
	QueueBuffers      atomic.Int64
	QueueLimit        atomic.Int64
	QueueBytesHW      atomic.Int64
	QueueBuffersHW    atomic.Int64
	DroppedPackets    atomic.Uint64
	DroppedBytes      atomic.Uint64
	Backpressure      atomic.Uint64
	SlowActive        atomic.Bool
	DisconnectRequest atomic.Bool
}

// WorkerStats is one worker's send-path and pool statistics.
type WorkerStats struct {
	Alive       atomic.Bool
	Sends       atomic.Uint64
	Completions atomic.Uint64
	Copied      atomic.Uint64
	EAgain      atomic.Uint64
	ENobufs     atomic.Uint64
	BatchSends  atomic.Uint64

	PoolTotal atomic.Int64
	PoolFree  atomic.Int64

	BytesCumulative atomic.Uint64 // bytes of clients that have disconnected
}

// LogEntry is one ring slot.
type LogEntry struct {
	WhenMS  int64  `json:"ts"`
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// Registry is the process-wide status region.
type Registry struct {
	Clients [MaxClients]ClientCell
	Workers [MaxWorkers]WorkerStats

	total atomic.Int32

	logMu   sync.Mutex
	logRing [MaxLogEntries]LogEntry
	logNext int
	logLen  int

	notifyMu  sync.Mutex
	notifiers []func()

	logLevel atomic.String
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.logLevel.Store("info")
	return r
}

// SetLogLevel records the runtime log level shown on the status page. The
// caller is responsible for applying it to the logging backend.
func (r *Registry) SetLogLevel(level string) { r.logLevel.Store(level) }

// LogLevel returns the recorded runtime log level.
func (r *Registry) LogLevel() string { return r.logLevel.Load() }

// Subscribe registers a wakeup invoked whenever client membership or a
// disconnect request changes; workers use it to kick their event loops.
func (r *Registry) Subscribe(notify func()) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notifiers = append(r.notifiers, notify)
}

// Wake kicks every subscribed worker loop without changing any state.
func (r *Registry) Wake() { r.notifyAll() }

func (r *Registry) notifyAll() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for _, n := range r.notifiers {
		n()
	}
}

// RegisterClient claims a free cell. Returns -1 when the array is full.
func (r *Registry) RegisterClient(workerID int, addr, displayURL string) int {
	for i := range r.Clients {
		c := &r.Clients[i]
		if c.Active.CompareAndSwap(false, true) {
			c.WorkerID.Store(int32(workerID))
			c.ConnectedMS.Store(time.Now().UnixMilli())
			c.Addr.Store(addr)
			c.URL.Store(displayURL)
			c.State.Store(int32(StateConnecting))
			c.BytesSent.Store(0)
			c.Bandwidth.Store(0)
			c.QueueBytes.Store(0)
			c.QueueBuffers.Store(0)
			c.QueueLimit.Store(0)
			c.QueueBytesHW.Store(0)
			c.QueueBuffersHW.Store(0)
			c.DroppedPackets.Store(0)
			c.DroppedBytes.Store(0)
			c.Backpressure.Store(0)
			c.SlowActive.Store(false)
			c.DisconnectRequest.Store(false)
			r.total.Add(1)
			r.notifyAll()
			return i
		}
	}
	log.Warn("client cell array full", "max", MaxClients)
	return -1
}

// UnregisterClient frees a cell, folding its byte count into the owning
// worker's cumulative counter.
func (r *Registry) UnregisterClient(idx int) {
	if idx < 0 || idx >= MaxClients {
		return
	}
	c := &r.Clients[idx]
	if !c.Active.Load() {
		return
	}
	if w := int(c.WorkerID.Load()); w >= 0 && w < MaxWorkers {
		r.Workers[w].BytesCumulative.Add(c.BytesSent.Load())
	}
	c.Active.Store(false)
	r.total.Add(-1)
	r.notifyAll()
}

// TotalClients returns the live client count, for the maxclients gate.
func (r *Registry) TotalClients() int { return int(r.total.Load()) }

// SetState updates a cell's state.
func (r *Registry) SetState(idx int, s ClientState) {
	if idx < 0 || idx >= MaxClients {
		return
	}
	r.Clients[idx].State.Store(int32(s))
}

// UpdateQueue refreshes a cell's backpressure view. Called after every
// enqueue, drop and completion.
func (r *Registry) UpdateQueue(idx int, queueBytes, queueBuffers, limit, bytesHW, buffersHW int64,
	drops, droppedBytes, backpressure uint64, slow bool) {
	if idx < 0 || idx >= MaxClients {
		return
	}
	c := &r.Clients[idx]
	c.QueueBytes.Store(queueBytes)
	c.QueueBuffers.Store(queueBuffers)
	c.QueueLimit.Store(limit)
	c.QueueBytesHW.Store(bytesHW)
	c.QueueBuffersHW.Store(buffersHW)
	c.DroppedPackets.Store(drops)
	c.DroppedBytes.Store(droppedBytes)
	c.Backpressure.Store(backpressure)
	c.SlowActive.Store(slow)
}

// UpdateBytes refreshes a cell's traffic counters.
func (r *Registry) UpdateBytes(idx int, total uint64, bandwidth uint64) {
	if idx < 0 || idx >= MaxClients {
		return
	}
	r.Clients[idx].BytesSent.Store(total)
	r.Clients[idx].Bandwidth.Store(bandwidth)
}

// RequestDisconnect marks a client for administrative disconnect and wakes
// the workers.
func (r *Registry) RequestDisconnect(idx int) bool {
	if idx < 0 || idx >= MaxClients || !r.Clients[idx].Active.Load() {
		return false
	}
	r.Clients[idx].DisconnectRequest.Store(true)
	r.notifyAll()
	return true
}

// ConsumeDisconnect reports and clears a pending disconnect request.
func (r *Registry) ConsumeDisconnect(idx int) bool {
	if idx < 0 || idx >= MaxClients {
		return false
	}
	return r.Clients[idx].DisconnectRequest.CompareAndSwap(true, false)
}

// AnySlow reports whether any active client on the given worker has its
// slow flag asserted; the pool shrinker consults this.
func (r *Registry) AnySlow(workerID int) bool {
	for i := range r.Clients {
		c := &r.Clients[i]
		if c.Active.Load() && int(c.WorkerID.Load()) == workerID && c.SlowActive.Load() {
			return true
		}
	}
	return false
}

// AddLog appends to the recent-log ring.
func (r *Registry) AddLog(level, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.logRing[r.logNext] = LogEntry{WhenMS: time.Now().UnixMilli(), Level: level, Message: msg}
	r.logNext = (r.logNext + 1) % MaxLogEntries
	if r.logLen < MaxLogEntries {
		r.logLen++
	}
}

// Logs returns the ring contents oldest-first.
func (r *Registry) Logs() []LogEntry {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	out := make([]LogEntry, 0, r.logLen)
	start := (r.logNext - r.logLen + MaxLogEntries) % MaxLogEntries
	for i := 0; i < r.logLen; i++ {
		out = append(out, r.logRing[(start+i)%MaxLogEntries])
	}
	return out
}

// clientSnapshot is the JSON shape of one client row.
type clientSnapshot struct {
	Index        int    `json:"index"`
	Worker       int    `json:"worker"`
	Addr         string `json:"addr"`
	URL          string `json:"url"`
	State        string `json:"state"`
	ConnectedMS  int64  `json:"connected_ms"`
	BytesSent    uint64 `json:"bytes_sent"`
	Bandwidth    uint64 `json:"bandwidth"`
	QueueBytes   int64  `json:"queue_bytes"`
	QueueLimit   int64  `json:"queue_limit"`
	QueueBytesHW int64  `json:"queue_bytes_hw"`
	Dropped      uint64 `json:"dropped_packets"`
	DroppedBytes uint64 `json:"dropped_bytes"`
	Backpressure uint64 `json:"backpressure_events"`
	Slow         bool   `json:"slow"`
}

type workerSnapshot struct {
	Index       int    `json:"index"`
	Sends       uint64 `json:"sends"`
	Completions uint64 `json:"completions"`
	Copied      uint64 `json:"copied"`
	EAgain      uint64 `json:"eagain"`
	ENobufs     uint64 `json:"enobufs"`
	BatchSends  uint64 `json:"batch_sends"`
	PoolTotal   int64  `json:"pool_total"`
	PoolFree    int64  `json:"pool_free"`
	BytesCum    uint64 `json:"bytes_cumulative"`
}

type snapshot struct {
	Clients  []clientSnapshot `json:"clients"`
	Workers  []workerSnapshot `json:"workers"`
	Logs     []LogEntry       `json:"logs"`
	LogLevel string           `json:"log_level"`
}

// SnapshotJSON renders the whole registry for the status page and SSE.
func (r *Registry) SnapshotJSON() []byte {
	var s snapshot
	for i := range r.Clients {
		c := &r.Clients[i]
		if !c.Active.Load() {
			continue
		}
		s.Clients = append(s.Clients, clientSnapshot{
			Index:        i,
			Worker:       int(c.WorkerID.Load()),
			Addr:         c.Addr.Load(),
			URL:          c.URL.Load(),
			State:        ClientState(c.State.Load()).String(),
			ConnectedMS:  c.ConnectedMS.Load(),
			BytesSent:    c.BytesSent.Load(),
			Bandwidth:    c.Bandwidth.Load(),
			QueueBytes:   c.QueueBytes.Load(),
			QueueLimit:   c.QueueLimit.Load(),
			QueueBytesHW: c.QueueBytesHW.Load(),
			Dropped:      c.DroppedPackets.Load(),
			DroppedBytes: c.DroppedBytes.Load(),
			Backpressure: c.Backpressure.Load(),
			Slow:         c.SlowActive.Load(),
		})
	}
	for i := range r.Workers {
		w := &r.Workers[i]
		if !w.Alive.Load() {
			continue
		}
		s.Workers = append(s.Workers, workerSnapshot{
			Index:       i,
			Sends:       w.Sends.Load(),
			Completions: w.Completions.Load(),
			Copied:      w.Copied.Load(),
			EAgain:      w.EAgain.Load(),
			ENobufs:     w.ENobufs.Load(),
			BatchSends:  w.BatchSends.Load(),
			PoolTotal:   w.PoolTotal.Load(),
			PoolFree:    w.PoolFree.Load(),
			BytesCum:    w.BytesCumulative.Load(),
		})
	}
	s.Logs = r.Logs()
	s.LogLevel = r.logLevel.Load()
	b, err := json.Marshal(&s)
	if err != nil {
		log.Error("snapshot marshal failed", "err", err)
		return []byte("{}")
	}
	return b
}
