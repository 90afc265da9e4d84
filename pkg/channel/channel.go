package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/canopydb/canopy/internal/telemetry"
	"github.com/canopydb/canopy/pkg/transport"
	"github.com/canopydb/canopy/pkg/types"
	"github.com/canopydb/canopy/pkg/wire"
)

// Handler processes one inbound message body. Handlers run on the single
// receive goroutine, to completion, in delivery order.
type Handler func(from types.PeerIndex, body []byte)

// Channel binds a datagram transport to the peer directory and dispatches
// inbound frames on their type tag. Handlers must be registered before
// Start binds the receive loop.
type Channel struct {
	log *zap.SugaredLogger
	tr  transport.Transport
	dir *transport.Directory

	handlersMu sync.RWMutex
	handlers   map[types.MsgType]Handler
}

func New(tr transport.Transport, dir *transport.Directory) *Channel {
	return &Channel{
		log:      zap.S().Named("channel"),
		tr:       tr,
		dir:      dir,
		handlers: make(map[types.MsgType]Handler),
	}
}

func (c *Channel) Handle(t types.MsgType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = h
}

// Send delivers one message body to the addressed peer.
func (c *Channel) Send(to types.PeerIndex, t types.MsgType, body []byte) error {
	addr, ok := c.dir.Addr(to)
	if !ok {
		return fmt.Errorf("no address for %s", to)
	}

	buf := wire.EncodeFrame(&wire.Frame{
		Typ:     t,
		Sender:  c.dir.Self(),
		Payload: body,
	})
	if err := c.tr.Send(addr, buf); err != nil {
		return fmt.Errorf("send %s to %s: %w", t, to, err)
	}

	telemetry.MessagesSent.WithLabelValues(t.String()).Inc()
	return nil
}

// Broadcast sends one message body to every other known peer. Per-peer
// failures are aggregated; a failed peer does not stop the fanout.
func (c *Channel) Broadcast(t types.MsgType, body []byte) error {
	var err error
	for _, idx := range c.dir.Others() {
		err = multierr.Append(err, c.Send(idx, t, body))
	}
	return err
}

// Start runs the receive loop until ctx is cancelled or the transport
// closes. Malformed frames and unknown tags are logged and dropped; a
// panicking handler never tears down the loop.
func (c *Channel) Start(ctx context.Context) error {
	c.log.Infow("coherency channel bound", "addr", c.tr.LocalAddr(), "self", c.dir.Self())

	for {
		src, b, err := c.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		fr, err := wire.DecodeFrame(b)
		if err != nil {
			c.log.Debugw("bad frame", "src", src, "err", err)
			telemetry.MessagesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		c.handlersMu.RLock()
		h, ok := c.handlers[fr.Typ]
		c.handlersMu.RUnlock()
		if !ok {
			c.log.Debugw("unknown message type", "type", uint8(fr.Typ), "src", src)
			telemetry.MessagesDropped.WithLabelValues("unknown_type").Inc()
			continue
		}

		telemetry.MessagesReceived.WithLabelValues(fr.Typ.String()).Inc()
		c.dispatch(h, fr.Sender, fr.Payload)
	}
}

func (c *Channel) dispatch(h Handler, from types.PeerIndex, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("handler panic", "from", from, "panic", r)
		}
	}()
	h(from, body)
}

func (c *Channel) Close() error {
	return c.tr.Close()
}
