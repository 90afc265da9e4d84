package slot

import (
	"sort"
	"sync"

	"github.com/canopydb/canopy/pkg/types"
)

// record is the per-node coherency state. Reader and warm sets are
// meaningful only while this peer owns the node and are cleared on
// ownership loss.
type record struct {
	data    []byte
	readers map[types.PeerIndex]struct{}
	warms   map[types.PeerIndex]struct{}
	event   *Event
	owner   types.PeerIndex
	ts      uint32
	warm    bool
	dirty   bool
}

type Info struct {
	Owner     types.PeerIndex
	Timestamp uint32
	IsOwner   bool
	Warm      bool
	Dirty     bool
}

type FullInfo struct {
	Warms   []types.PeerIndex
	Readers []types.PeerIndex
	Info
}

// Store holds the coherency metadata and serialized payload slot for
// every node this process has touched. Records are created lazily on
// first reference and live for the life of the process. All mutation is
// serialized by the store's lock.
type Store struct {
	recs map[types.NodeKey]*record
	self types.PeerIndex
	mu   sync.Mutex
}

func NewStore(self types.PeerIndex) *Store {
	return &Store{
		self: self,
		recs: make(map[types.NodeKey]*record),
	}
}

func (s *Store) Self() types.PeerIndex {
	return s.self
}

// rec returns the record for key, creating it unowned. Callers hold s.mu.
func (s *Store) rec(key types.NodeKey) *record {
	r, ok := s.recs[key]
	if !ok {
		r = &record{
			owner:   types.NoOwner,
			readers: make(map[types.PeerIndex]struct{}),
			warms:   make(map[types.PeerIndex]struct{}),
		}
		s.recs[key] = r
	}
	return r
}

func (s *Store) CoherencyInfo(key types.NodeKey) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rec(key)
	return Info{
		Owner:     r.owner,
		Timestamp: r.ts,
		IsOwner:   r.owner == s.self,
		Warm:      r.warm,
		Dirty:     r.dirty,
	}
}

func (s *Store) CoherencyInfoFull(key types.NodeKey) FullInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rec(key)
	return FullInfo{
		Info: Info{
			Owner:     r.owner,
			Timestamp: r.ts,
			IsOwner:   r.owner == s.self,
			Warm:      r.warm,
			Dirty:     r.dirty,
		},
		Warms:   sortedPeers(r.warms),
		Readers: sortedPeers(r.readers),
	}
}

// SetOwner installs an accepted remote ownership claim. Losing ownership
// invalidates the subscriber sets.
func (s *Store) SetOwner(key types.NodeKey, owner types.PeerIndex, ts uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rec(key)
	if r.owner == s.self && owner != s.self {
		r.readers = make(map[types.PeerIndex]struct{})
		r.warms = make(map[types.PeerIndex]struct{})
	}
	r.owner = owner
	r.ts = ts
}

// BecomeOwner installs this peer as owner with a fresh timestamp. The
// subscriber sets start empty and the copy is authoritative, so the
// dirty flag is cleared.
func (s *Store) BecomeOwner(key types.NodeKey, ts uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rec(key)
	r.owner = s.self
	r.ts = ts
	r.dirty = false
	r.readers = make(map[types.PeerIndex]struct{})
	r.warms = make(map[types.PeerIndex]struct{})
}

func (s *Store) SetDirty(key types.NodeKey, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(key).dirty = dirty
}

// SetWarm declares or withdraws this peer's warm interest in key.
func (s *Store) SetWarm(key types.NodeKey, warm bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(key).warm = warm
}

func (s *Store) AddReader(key types.NodeKey, peer types.PeerIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(key).readers[peer] = struct{}{}
}

func (s *Store) AddWarm(key types.NodeKey, peer types.PeerIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(key).warms[peer] = struct{}{}
}

func (s *Store) SerializedSize(key types.NodeKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rec(key).data)
}

// Serialized returns a copy of the node's payload blob.
func (s *Store) Serialized(key types.NodeKey) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.rec(key).data...)
}

func (s *Store) SetSerialized(key types.NodeKey, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(key).data = append([]byte(nil), buf...)
}

// Put installs a node's payload on behalf of a local client. Callers are
// expected to follow up with the engine's CheckWrite so the update
// propagates to peers.
func (s *Store) Put(key types.NodeKey, payload []byte) {
	s.SetSerialized(key, payload)
}

// Payload returns a copy of a node's payload for a local client. Callers
// are expected to run the engine's CheckRead first so a stale copy is
// refreshed before the read.
func (s *Store) Payload(key types.NodeKey) []byte {
	return s.Serialized(key)
}

// DataEvent returns the node's Event, creating it lazily.
func (s *Store) DataEvent(key types.NodeKey) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rec(key)
	if r.event == nil {
		r.event = NewEvent()
	}
	return r.event
}

func sortedPeers(set map[types.PeerIndex]struct{}) []types.PeerIndex {
	out := make([]types.PeerIndex, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
