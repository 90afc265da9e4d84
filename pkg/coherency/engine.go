package coherency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/canopydb/canopy/internal/telemetry"
	"github.com/canopydb/canopy/pkg/channel"
	"github.com/canopydb/canopy/pkg/slot"
	"github.com/canopydb/canopy/pkg/transport"
	"github.com/canopydb/canopy/pkg/types"
	"github.com/canopydb/canopy/pkg/wire"
)

// Store is the capability set the engine consumes from the local data
// store: coherency metadata, the serialized payload slot, and the
// per-node data event. All methods are serialized by the store itself.
type Store interface {
	Self() types.PeerIndex
	CoherencyInfo(key types.NodeKey) slot.Info
	CoherencyInfoFull(key types.NodeKey) slot.FullInfo
	SetOwner(key types.NodeKey, owner types.PeerIndex, ts uint32)
	BecomeOwner(key types.NodeKey, ts uint32)
	SetDirty(key types.NodeKey, dirty bool)
	AddReader(key types.NodeKey, peer types.PeerIndex)
	AddWarm(key types.NodeKey, peer types.PeerIndex)
	Serialized(key types.NodeKey) []byte
	SetSerialized(key types.NodeKey, buf []byte)
	DataEvent(key types.NodeKey) *slot.Event
}

// Engine implements the single-writer-multi-reader coherency protocol:
// ownership transfer, reader bookkeeping, warm data push, dirty-bit
// maintenance, and the synchronous stall of a non-owner reading stale
// data. Inbound handlers run on the channel's receive goroutine; the
// accessor hooks may be called from any goroutine.
type Engine struct {
	log   *zap.SugaredLogger
	store Store
	ch    *channel.Channel
	dir   *transport.Directory

	// readDeadline bounds the CheckRead stall; zero waits indefinitely.
	readDeadline time.Duration
}

type Option func(*Engine)

func WithReadDeadline(d time.Duration) Option {
	return func(e *Engine) { e.readDeadline = d }
}

func New(store Store, ch *channel.Channel, dir *transport.Directory, opts ...Option) *Engine {
	e := &Engine{
		log:   zap.S().Named("coherency"),
		store: store,
		ch:    ch,
		dir:   dir,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register attaches the engine's handlers for the five coherency message
// types. Must run before the channel binds its receive loop.
func (e *Engine) Register() {
	e.ch.Handle(types.MsgRequestData, e.handleRequestData)
	e.ch.Handle(types.MsgOwnership, e.handleOwnership)
	e.ch.Handle(types.MsgOwnershipWarmAck, e.handleWarmAck)
	e.ch.Handle(types.MsgData, e.handleData)
	e.ch.Handle(types.MsgDirty, e.handleDirty)
}

// handleRequestData answers a pull from a non-warm peer with the whole
// payload slot and records the peer as a reader. The request is answered
// even if this peer is no longer owner: the payload is still our
// best-known value, and requests racing an ownership change would
// otherwise fail.
func (e *Engine) handleRequestData(from types.PeerIndex, body []byte) {
	key, err := wire.DecodeKey(body)
	if err != nil {
		e.drop("request_data", from, err)
		return
	}

	payload := e.store.Serialized(key)
	e.store.AddReader(key, from)

	if err := e.ch.Send(from, types.MsgData, wire.EncodeData(wire.Data{Key: key, Payload: payload})); err != nil {
		e.log.Warnw("data reply failed", "key", key, "to", from, "err", err)
	}
}

// handleOwnership applies a remote ownership claim. A claim is accepted
// only if its timestamp is newer, or equal with a higher claimant index;
// stale and losing concurrent claims are dropped. On acceptance a warm
// peer answers with a warm ack so the new owner pushes data to it; a
// non-warm peer just marks its copy stale.
func (e *Engine) handleOwnership(from types.PeerIndex, body []byte) {
	m, err := wire.DecodeOwnership(body)
	if err != nil {
		e.drop("ownership", from, err)
		return
	}

	info := e.store.CoherencyInfo(m.Key)
	if m.Timestamp < info.Timestamp || (m.Timestamp == info.Timestamp && m.Owner <= info.Owner) {
		e.log.Debugw("stale ownership claim dropped",
			"key", m.Key, "claim_ts", m.Timestamp, "claim_owner", m.Owner,
			"ts", info.Timestamp, "owner", info.Owner)
		return
	}

	e.store.SetOwner(m.Key, m.Owner, m.Timestamp)

	if info.Warm {
		if err := e.ch.Send(from, types.MsgOwnershipWarmAck, wire.EncodeKey(m.Key)); err != nil {
			e.log.Warnw("warm ack failed", "key", m.Key, "to", from, "err", err)
		}
		return
	}
	e.store.SetDirty(m.Key, true)
}

// handleWarmAck registers a warm subscriber and immediately pushes the
// current payload to it. Ignored unless this peer is owner: the sender's
// view is simply stale.
func (e *Engine) handleWarmAck(from types.PeerIndex, body []byte) {
	key, err := wire.DecodeKey(body)
	if err != nil {
		e.drop("ownership_warm_ack", from, err)
		return
	}

	if !e.store.CoherencyInfo(key).IsOwner {
		return
	}

	e.store.AddWarm(key, from)
	payload := e.store.Serialized(key)
	if err := e.ch.Send(from, types.MsgData, wire.EncodeData(wire.Data{Key: key, Payload: payload})); err != nil {
		e.log.Warnw("warm push failed", "key", key, "to", from, "err", err)
	}
}

// handleData installs a pushed payload, wakes any reader stalled on the
// node, and marks the copy clean.
func (e *Engine) handleData(from types.PeerIndex, body []byte) {
	m, err := wire.DecodeData(body)
	if err != nil {
		e.drop("data", from, err)
		return
	}

	e.store.SetSerialized(m.Key, m.Payload)
	e.store.SetDirty(m.Key, false)
	// Signal only after the record is clean so a woken reader never
	// observes the stale dirty flag.
	e.store.DataEvent(m.Key).Signal()
}

func (e *Engine) handleDirty(from types.PeerIndex, body []byte) {
	key, err := wire.DecodeKey(body)
	if err != nil {
		e.drop("dirty", from, err)
		return
	}

	e.store.SetDirty(key, true)
}

// CheckRead must be called before reading a node's data. When the local
// copy is stale it pulls the whole slot from the current owner and blocks
// until the data arrives, the context is cancelled, or the configured
// read deadline expires.
func (e *Engine) CheckRead(ctx context.Context, key types.NodeKey) error {
	if !e.dir.Enabled() {
		return nil
	}

	info := e.store.CoherencyInfo(key)
	if info.IsOwner || info.Owner == types.NoOwner || info.Warm || !info.Dirty {
		return nil
	}

	ev := e.store.DataEvent(key)
	ev.Reset()

	if err := e.ch.Send(info.Owner, types.MsgRequestData, wire.EncodeKey(key)); err != nil {
		e.log.Warnw("data request failed", "key", key, "owner", info.Owner, "err", err)
		return err
	}

	if e.readDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.readDeadline)
		defer cancel()
	}

	telemetry.ReadStalls.Inc()
	start := time.Now()
	err := ev.Wait(ctx)
	telemetry.ReadStallDuration.Observe(time.Since(start).Seconds())
	return err
}

// CheckWrite must be called after writing a node's data. A non-owner
// claims ownership with a bumped timestamp and broadcasts the claim; an
// owner fans the update out, pushing the payload to warm subscribers
// before invalidating plain readers.
func (e *Engine) CheckWrite(key types.NodeKey) error {
	if !e.dir.Enabled() {
		return nil
	}

	full := e.store.CoherencyInfoFull(key)
	if !full.IsOwner {
		ts := full.Timestamp + 1
		e.store.BecomeOwner(key, ts)

		body := wire.EncodeOwnership(wire.Ownership{
			Key:       key,
			Timestamp: ts,
			Owner:     e.store.Self(),
		})
		if err := e.ch.Broadcast(types.MsgOwnership, body); err != nil {
			e.log.Warnw("ownership broadcast incomplete", "key", key, "ts", ts, "err", err)
		}
		return nil
	}

	if len(full.Warms) == 0 && len(full.Readers) == 0 {
		return nil
	}

	if len(full.Warms) > 0 {
		body := wire.EncodeData(wire.Data{Key: key, Payload: e.store.Serialized(key)})
		for _, peer := range full.Warms {
			if err := e.ch.Send(peer, types.MsgData, body); err != nil {
				e.log.Warnw("warm push failed", "key", key, "to", peer, "err", err)
			}
		}
	}

	dirtyBody := wire.EncodeKey(key)
	for _, peer := range full.Readers {
		if err := e.ch.Send(peer, types.MsgDirty, dirtyBody); err != nil {
			e.log.Warnw("dirty notify failed", "key", key, "to", peer, "err", err)
		}
	}
	return nil
}

func (e *Engine) drop(kind string, from types.PeerIndex, err error) {
	e.log.Debugw("malformed message dropped", "type", kind, "from", from, "err", err)
	telemetry.MessagesDropped.WithLabelValues("malformed").Inc()
}
