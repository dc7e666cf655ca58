package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsgate/tsgate/service"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tsgate.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
# comment
[global]
verbosity = debug
workers = 4
maxclients = 128
hostname = gw.lan
r2h-token = sekrit
udpxy = yes
mcast-rejoin-interval = 30
zerocopy-on-send = 1

[bind]
0.0.0.0:5140
127.0.0.1:8080

[services]
ch1 rtp://239.1.2.3:5000
ch2 rtp://239.1.2.4:5000 fcc=10.0.0.1:8027
vod rtsp://vod.example:554/live playseek=20240101T000000
`)
	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "debug", cfg.Verbosity)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 128, cfg.MaxClients)
	assert.Equal(t, "gw.lan", cfg.Hostname)
	assert.Equal(t, "sekrit", cfg.Token)
	assert.True(t, cfg.UDPxy)
	assert.True(t, cfg.ZerocopySend)
	assert.Equal(t, 30, cfg.McastRejoinSec)
	assert.Equal(t, []string{"0.0.0.0:5140", "127.0.0.1:8080"}, cfg.ListenAddrs)

	require.Len(t, cfg.Services, 3)
	assert.Equal(t, "ch1", cfg.Services[0].Name)
	assert.Equal(t, service.MRTP, cfg.Services[0].Type)
	require.NotNil(t, cfg.Services[1].FCCAddr)
	assert.Equal(t, "10.0.0.1:8027", cfg.Services[1].FCCAddr.String())
	assert.Equal(t, service.RTSP, cfg.Services[2].Type)
	assert.Equal(t, "20240101T000000", cfg.Services[2].Playseek)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"line outside section", "workers = 2\n"},
		{"unknown key", "[global]\nbogus = 1\n"},
		{"bad workers", "[global]\nworkers = zero\n"},
		{"bad service url", "[services]\nch1 http://not-supported\n"},
		{"service missing url", "[services]\nch1\n"},
		{"duplicate service", "[services]\nch1 rtp://239.0.0.1:1\nch1 rtp://239.0.0.2:1\n"},
		{"interval without url", "[global]\nexternal-m3u-update-interval = 60\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			assert.Error(t, cfg.LoadFile(writeConfig(t, tt.content)))
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{DefaultListen}, cfg.ListenAddrs)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultStatusRoute, cfg.StatusRoute)
	assert.False(t, cfg.ZerocopySend)
}
