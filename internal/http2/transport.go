package http2

import (
	"io"
	"net"
	"time"
)

// Transport is the byte-stream endpoint a Session reads frames from and
// writes frames to. net.Conn satisfies it directly; tests substitute an
// in-memory pipe.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// netConnTransport adapts a net.Conn to Transport. It exists only so the
// Session's field type doesn't leak net.Conn's larger method set.
type netConnTransport struct {
	net.Conn
}

// NewNetConnTransport wraps a net.Conn as a Transport.
func NewNetConnTransport(c net.Conn) Transport {
	return netConnTransport{Conn: c}
}
