package h2

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Socket is the transport collaborator contract (spec.md §6): TLS/ALPN
// negotiation and connection pooling live above this package, but the
// Connection needs a narrow interface to own and drive the byte stream.
// A *tls.Conn (teacher's NewConnection) and net.Pipe (tests) both satisfy
// it.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// TLSInfoSocket is implemented by sockets that can report negotiated TLS
// parameters (spec.md §6 "optional TLS info").
type TLSInfoSocket interface {
	ConnectionState() tls.ConnectionState
}

// Dial establishes a TLS+ALPN socket the way the teacher's NewConnection
// does (tls.Dial with NextProtos: []string{"h2"}) and wraps it in a
// Connection. TLS/ALPN negotiation itself is out of scope for this
// package per spec.md §1; Dial is kept only as the one concrete example of
// wiring a net.Conn in, mirroring the teacher's constructor.
func Dial(addr string, cfg *tls.Config, opts ...Option) (*Connection, error) {
	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.NextProtos = []string{`h2`}
	}

	conn, err := tls.Dial(`tcp`, addr, tlsCfg)
	if err != nil {
		return nil, errors.Wrap(err, `h2: TLS dial failed`)
	}

	c, err := NewConnection(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// connWriter serializes every frame write onto the socket: spec.md §5
// requires "writes are atomic at the frame boundary — an in-progress
// write_frame must complete before another begins", matching the
// teacher's connWriteMu.
type connWriter struct {
	mu   sync.Mutex
	sock Socket
}

func newConnWriter(sock Socket) *connWriter {
	return &connWriter{sock: sock}
}

func (w *connWriter) writeAll(chunks ...[]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.sock.Write(chunk); err != nil {
			return errors.Wrap(err, `h2: socket write failed`)
		}
	}
	return nil
}

// referenceCounter implements the idle-tracking Reference/Unreference
// hints from spec.md §6. The count is only tracked: nothing in this
// package reads it, and no method exposes it. Kept as a simple
// atomic-free counter guarded by the same mutex as on-close callbacks
// since both only ever mutate under Connection.mu.
type referenceCounter struct {
	n int
}

func (r *referenceCounter) add(delta int) int {
	r.n += delta
	return r.n
}
