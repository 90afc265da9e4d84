package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopydb/canopy/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canopy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
peerIndex: 1
listen: ":7130"
readDeadline: 5s
peers:
  - index: 2
    addr: "10.0.0.2:7130"
  - index: 3
    addr: "10.0.0.3:7130"
etcd:
  endpoints: ["http://etcd:2379"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.PeerIndex(1), cfg.PeerIndex)
	assert.Equal(t, ":7130", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.ReadDeadline)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, types.PeerIndex(2), cfg.Peers[0].Index)
	assert.Equal(t, "10.0.0.2:7130", cfg.Peers[0].Addr)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, DefaultEtcdTTL, cfg.Etcd.LeaseTTL())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "peerIndex: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultMetrics, cfg.Metrics)
	assert.Equal(t, DefaultListen, cfg.Advertise)
	assert.Zero(t, cfg.ReadDeadline)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, types.PeerIndex(0), cfg.PeerIndex)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultMetrics, cfg.Metrics)
	assert.Empty(t, cfg.Peers)
}

func TestLoadRejectsDuplicatePeers(t *testing.T) {
	_, err := Load(writeConfig(t, `
peerIndex: 1
peers:
  - index: 2
    addr: "a:1"
  - index: 2
    addr: "b:1"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate peer index")
}

func TestLoadRejectsNegativeIndex(t *testing.T) {
	_, err := Load(writeConfig(t, "peerIndex: -1\n"))
	require.Error(t, err)
}

func TestLoadRejectsMalformed(t *testing.T) {
	_, err := Load(writeConfig(t, "peerIndex: [nope\n"))
	require.Error(t, err)
}
