package transport

import (
	"context"
	"net"
)

var _ Transport = (*impl)(nil)

// Transport is a message-oriented datagram channel. Framing above the
// datagram boundary (type tag, sender index) belongs to the channel layer.
type Transport interface {
	Recv(ctx context.Context) (src string, b []byte, err error) // src is "ip:port"
	Send(dst string, b []byte) error
	LocalAddr() string
	Close() error
}

const readBufferSize = 64 * 1024

type impl struct {
	conn *net.UDPConn
}

func New(listen string) (Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	return &impl{conn: conn}, nil
}

func (i *impl) Recv(ctx context.Context) (string, []byte, error) {
	buf := make([]byte, readBufferSize)
	n, addr, err := i.conn.ReadFromUDP(buf)
	if err != nil {
		return "", nil, err
	}

	return addr.String(), buf[:n], nil
}

func (i *impl) Send(dst string, b []byte) error {
	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return err
	}

	if _, err = i.conn.WriteToUDP(b, addr); err != nil {
		return err
	}

	return nil
}

func (i *impl) LocalAddr() string {
	return i.conn.LocalAddr().String()
}

func (i *impl) Close() error {
	return i.conn.Close()
}
