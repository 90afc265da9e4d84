package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/canopydb/canopy/pkg/transport"
)

const defaultQueueDepth = 256

var (
	ErrUnknownDestination = errors.New("destination not bound")
	ErrTransportClosed    = errors.New("transport closed")
	ErrQueueFull          = errors.New("receive queue full")
)

// Network is an in-memory datagram fabric for coherency tests. Delivery
// is lossless up to the queue depth and in-order per sender-receiver
// pair, which is the ordering the protocol relies on for its
// OWNERSHIP -> WARM_ACK -> DATA sequences.
type Network struct {
	ports map[string]*port
	mu    sync.RWMutex
}

type datagram struct {
	src     string
	payload []byte
}

// port is one bound endpoint. Lifecycle is owned by the Network lock:
// closed transitions and queue sends both happen under it, so a send
// never races the queue closing.
type port struct {
	queue  chan datagram
	closed bool
}

func NewNetwork() *Network {
	return &Network{ports: make(map[string]*port)}
}

// Bind attaches a new endpoint at addr and returns it as a
// transport.Transport.
func (n *Network) Bind(addr string) (transport.Transport, error) {
	if addr == "" {
		return nil, errors.New("address required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.ports[addr]; ok && !p.closed {
		return nil, fmt.Errorf("address already bound: %s", addr)
	}

	p := &port{queue: make(chan datagram, defaultQueueDepth)}
	n.ports[addr] = p

	return &memTransport{net: n, port: p, addr: addr}, nil
}

func (n *Network) deliver(src, dst string, b []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	dest, ok := n.ports[dst]
	if !ok || dest.closed {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}

	select {
	case dest.queue <- datagram{src: src, payload: append([]byte(nil), b...)}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (n *Network) closePort(p *port) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

type memTransport struct {
	net  *Network
	port *port
	addr string
}

var _ transport.Transport = (*memTransport)(nil)

func (t *memTransport) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case d, ok := <-t.port.queue:
		if !ok {
			return "", nil, ErrTransportClosed
		}
		return d.src, d.payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (t *memTransport) Send(dst string, b []byte) error {
	t.net.mu.RLock()
	closed := t.port.closed
	t.net.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	return t.net.deliver(t.addr, dst, b)
}

func (t *memTransport) LocalAddr() string {
	return t.addr
}

func (t *memTransport) Close() error {
	t.net.closePort(t.port)
	return nil
}
