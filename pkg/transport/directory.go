package transport

import (
	"sort"
	"sync"

	"github.com/canopydb/canopy/pkg/types"
)

// Directory maps peer indices to transport addresses and carries the
// communication gate consulted by the accessor hooks. It replaces a
// process-wide channel factory: one instance is threaded through the
// engine and channel at construction.
type Directory struct {
	addrs   map[types.PeerIndex]string
	self    types.PeerIndex
	enabled bool
	mu      sync.RWMutex
}

func NewDirectory(self types.PeerIndex) *Directory {
	return &Directory{
		self:    self,
		addrs:   make(map[types.PeerIndex]string),
		enabled: true,
	}
}

func (d *Directory) Self() types.PeerIndex {
	return d.self
}

func (d *Directory) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled sets the communication gate. With the gate off the accessor
// hooks become no-ops, so this peer starts no coherency traffic; inbound
// messages are still handled and answered.
func (d *Directory) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *Directory) AddPeer(idx types.PeerIndex, addr string) {
	if idx == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[idx] = addr
}

func (d *Directory) RemovePeer(idx types.PeerIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.addrs, idx)
}

// ReplacePeers swaps the whole table, keeping self excluded. Used by the
// registry watch when the etcd view changes.
func (d *Directory) ReplacePeers(peers map[types.PeerIndex]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = make(map[types.PeerIndex]string, len(peers))
	for idx, addr := range peers {
		if idx == d.self {
			continue
		}
		d.addrs[idx] = addr
	}
}

func (d *Directory) Addr(idx types.PeerIndex) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[idx]
	return addr, ok
}

// Others returns every known peer index except self, sorted for
// deterministic broadcast order.
func (d *Directory) Others() []types.PeerIndex {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.PeerIndex, 0, len(d.addrs))
	for idx := range d.addrs {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
