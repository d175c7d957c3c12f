package h2

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// frameRecv is one frame captured off the wire by startDrain.
type frameRecv struct {
	hdr     frameHeader
	payload []byte
}

// startDrain continuously reads frames off conn (assumed already past any
// preface bytes) so a writer on the other end of a net.Pipe never blocks on
// an unread test peer.
func startDrain(conn net.Conn) <-chan frameRecv {
	ch := make(chan frameRecv, 64)
	go func() {
		defer close(ch)
		for {
			var hdrBuf [frameHeaderLen]byte
			if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
				return
			}
			hdr := decodeFrameHeader(hdrBuf[:])
			payload := make([]byte, hdr.Length)
			if hdr.Length > 0 {
				if _, err := io.ReadFull(conn, payload); err != nil {
					return
				}
			}
			ch <- frameRecv{hdr: hdr, payload: payload}
		}
	}()
	return ch
}

func recvFrame(t *testing.T, ch <-chan frameRecv) frameRecv {
	t.Helper()
	f, ok := <-ch
	require.True(t, ok, `expected a frame but the peer drain closed`)
	return f
}

func sendFrame(t *testing.T, conn net.Conn, typ FrameType, flags FrameFlags, streamID uint32, payload []byte) {
	t.Helper()
	require.NoError(t, writeFrame(newConnWriter(conn), typ, flags, streamID, payload))
}

// newTestConnection drives a real NewConnection handshake over a net.Pipe,
// returning the client Connection, the raw peer-side socket, and a channel
// of every frame the client writes after its initial preface+SETTINGS.
func newTestConnection(t *testing.T, opts ...Option) (*Connection, net.Conn, <-chan frameRecv) {
	t.Helper()
	clientSock, serverSock := net.Pipe()

	connCh := make(chan *Connection, 1)
	go func() {
		c, err := NewConnection(clientSock, opts...)
		require.NoError(t, err)
		connCh <- c
	}()

	preface := make([]byte, len(clientConnectionPreface))
	_, err := io.ReadFull(serverSock, preface)
	require.NoError(t, err)
	require.Equal(t, clientConnectionPreface, preface)

	frames := startDrain(serverSock)

	first := recvFrame(t, frames)
	require.Equal(t, FrameSettings, first.hdr.Type)

	c := <-connCh
	return c, serverSock, frames
}

// handshakeSettings completes the SETTINGS exchange: the test peer sends an
// empty SETTINGS frame (accepting every client default) and drains the
// client's resulting SETTINGS ACK, leaving c.settingsReceived closed.
func handshakeSettings(t *testing.T, c *Connection, peer net.Conn, frames <-chan frameRecv) {
	t.Helper()
	sendFrame(t, peer, FrameSettings, 0, 0, nil)
	ack := recvFrame(t, frames)
	require.Equal(t, FrameSettings, ack.hdr.Type)
	require.True(t, ack.hdr.Flags.Has(FlagAck))
	select {
	case <-c.settingsReceived:
	default:
		t.Fatal(`settingsReceived not fired after SETTINGS exchange`)
	}
}
