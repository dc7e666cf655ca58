package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	idx := r.RegisterClient(0, "10.0.0.5:43210", "/ch1")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, 1, r.TotalClients())
	assert.True(t, r.Clients[idx].Active.Load())
	assert.Equal(t, "/ch1", r.Clients[idx].URL.Load())

	r.UnregisterClient(idx)
	assert.Equal(t, 0, r.TotalClients())
	assert.False(t, r.Clients[idx].Active.Load())

	// Double unregister is harmless.
	r.UnregisterClient(idx)
	assert.Equal(t, 0, r.TotalClients())
}

func TestRegisterExhaustion(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxClients; i++ {
		require.GreaterOrEqual(t, r.RegisterClient(0, "a", "/x"), 0)
	}
	assert.Equal(t, -1, r.RegisterClient(0, "a", "/x"), "full array fails gracefully")
}

func TestUnregisterFoldsBytes(t *testing.T) {
	r := NewRegistry()
	idx := r.RegisterClient(2, "a", "/x")
	r.UpdateBytes(idx, 12345, 1000)
	r.UnregisterClient(idx)
	assert.Equal(t, uint64(12345), r.Workers[2].BytesCumulative.Load())
}

func TestDisconnectRequestLifecycle(t *testing.T) {
	r := NewRegistry()
	idx := r.RegisterClient(0, "a", "/x")

	assert.False(t, r.ConsumeDisconnect(idx))
	assert.True(t, r.RequestDisconnect(idx))
	assert.True(t, r.ConsumeDisconnect(idx))
	assert.False(t, r.ConsumeDisconnect(idx), "request consumed exactly once")

	assert.False(t, r.RequestDisconnect(99), "inactive cell rejects")
	assert.False(t, r.RequestDisconnect(-1))
}

func TestNotifyOnMembershipChange(t *testing.T) {
	r := NewRegistry()
	wakes := 0
	r.Subscribe(func() { wakes++ })

	idx := r.RegisterClient(0, "a", "/x")
	assert.Equal(t, 1, wakes)
	r.RequestDisconnect(idx)
	assert.Equal(t, 2, wakes)
	r.UnregisterClient(idx)
	assert.Equal(t, 3, wakes)
}

func TestAnySlow(t *testing.T) {
	r := NewRegistry()
	a := r.RegisterClient(0, "a", "/x")
	b := r.RegisterClient(1, "b", "/y")

	assert.False(t, r.AnySlow(0))
	r.UpdateQueue(b, 0, 0, 0, 0, 0, 0, 0, 0, true)
	assert.False(t, r.AnySlow(0), "slow client belongs to worker 1")
	assert.True(t, r.AnySlow(1))
	r.UpdateQueue(a, 0, 0, 0, 0, 0, 0, 0, 0, true)
	assert.True(t, r.AnySlow(0))
}

func TestLogRing(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxLogEntries+10; i++ {
		r.AddLog("info", string(rune('a'+i%26)))
	}
	logs := r.Logs()
	assert.Len(t, logs, MaxLogEntries, "ring keeps the most recent entries")
	// Oldest-first ordering: the first retained entry is number 10.
	assert.Equal(t, string(rune('a'+10%26)), logs[0].Message)
}

func TestSnapshotJSON(t *testing.T) {
	r := NewRegistry()
	idx := r.RegisterClient(0, "10.0.0.5:1", "/ch1")
	r.SetState(idx, StateFCCMcastActive)
	r.UpdateBytes(idx, 5000, 1250)
	r.UpdateQueue(idx, 100, 1, 4096, 200, 2, 3, 300, 4, true)
	r.Workers[0].Alive.Store(true)
	r.Workers[0].Sends.Add(7)
	r.AddLog("warn", "something happened")

	var got struct {
		Clients []map[string]interface{} `json:"clients"`
		Workers []map[string]interface{} `json:"workers"`
		Logs    []map[string]interface{} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(r.SnapshotJSON(), &got))

	require.Len(t, got.Clients, 1)
	c := got.Clients[0]
	assert.Equal(t, "mcast-active", c["state"])
	assert.Equal(t, float64(5000), c["bytes_sent"])
	assert.Equal(t, true, c["slow"])
	assert.Equal(t, float64(3), c["dropped_packets"])

	require.Len(t, got.Workers, 1)
	assert.Equal(t, float64(7), got.Workers[0]["sends"])
	require.NotEmpty(t, got.Logs)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "fcc-unicast-active", StateFCCUnicastActive.String())
	assert.Equal(t, "rtsp-playing", StateRTSPPlaying.String())
}
