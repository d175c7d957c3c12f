package h2

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBareConnection builds a Connection with just enough state wired up
// (writer, peer settings, stream table) to exercise the Flow Controller in
// isolation, without running the handshake or reader loop.
func newBareConnection(t *testing.T) (*Connection, net.Conn, <-chan frameRecv) {
	t.Helper()
	clientSock, serverSock := net.Pipe()
	c := &Connection{
		sock:         clientSock,
		log:          newNopLogger(),
		peerSettings: DefaultPeerSettings(),
		streams:      newStreamTable(),
		drainSignal:  make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	c.writer = newConnWriter(clientSock)
	c.connSendWindow = int64(c.peerSettings.InitialWindowSize)
	frames := startDrain(serverSock)
	return c, serverSock, frames
}

func TestApplyWindowUpdateRejectsZeroIncrement(t *testing.T) {
	c, _, _ := newBareConnection(t)
	err := c.applyWindowUpdate(0, 0)
	require.Error(t, err)
	ce, ok := err.(*ConnError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeProtocolError, ce.Code_)
}

func TestApplyWindowUpdateRejectsZeroIncrementOnStream(t *testing.T) {
	c, _, _ := newBareConnection(t)
	s, err := c.streams.allocate(0, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	err = c.applyWindowUpdate(s.id, 0)
	require.Error(t, err)
	se, ok := err.(*StreamError)
	require.True(t, ok)
	assert.Equal(t, s.id, se.StreamID)
	assert.Equal(t, ErrCodeProtocolError, se.Code_)
}

func TestApplyWindowUpdateConnectionOverflow(t *testing.T) {
	c, _, _ := newBareConnection(t)
	c.connSendWindow = maxWindowSize - 1
	err := c.applyWindowUpdate(0, 10)
	require.Error(t, err)
	ce, ok := err.(*ConnError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControlError, ce.Code_)
}

func TestApplyWindowUpdateGrowsStreamWindowAndArmsWaiter(t *testing.T) {
	c, _, _ := newBareConnection(t)
	s, err := c.streams.allocate(0, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	require.NoError(t, c.applyWindowUpdate(s.id, 100))
	assert.Equal(t, int64(100), s.clientWindow)

	select {
	case <-s.sendWaiter:
	default:
		t.Fatal(`expected sendWaiter to be armed`)
	}
}

func TestApplyWindowUpdateStreamOverflowIsStreamError(t *testing.T) {
	c, _, _ := newBareConnection(t)
	s, err := c.streams.allocate(maxWindowSize-1, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	err = c.applyWindowUpdate(s.id, 10)
	require.Error(t, err)
	se, ok := err.(*StreamError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFlowControlError, se.Code_)
}

func TestApplyInitialWindowDeltaAdjustsEveryOpenStream(t *testing.T) {
	c, _, _ := newBareConnection(t)
	s1, err := c.streams.allocate(1000, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)
	s2, err := c.streams.allocate(1000, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	require.NoError(t, c.applyInitialWindowDelta(1000, 500))
	assert.Equal(t, int64(500), s1.clientWindow)
	assert.Equal(t, int64(500), s2.clientWindow)
}

func TestFlushStreamBufferFragmentsByMaxFrameSize(t *testing.T) {
	c, _, frames := newBareConnection(t)
	c.peerSettings.MaxFrameSize = 10
	s, err := c.streams.allocate(1000, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	s.buffer = make([]byte, 25)
	s.bufferEndStream = true

	require.NoError(t, c.flushStreamBuffer(s))

	first := recvFrame(t, frames)
	assert.Equal(t, uint32(10), first.hdr.Length)
	assert.False(t, first.hdr.Flags.Has(FlagEndStream))

	second := recvFrame(t, frames)
	assert.Equal(t, uint32(10), second.hdr.Length)
	assert.False(t, second.hdr.Flags.Has(FlagEndStream))

	third := recvFrame(t, frames)
	assert.Equal(t, uint32(5), third.hdr.Length)
	assert.True(t, third.hdr.Flags.Has(FlagEndStream))

	assert.Empty(t, s.buffer)
}

func TestFlushStreamBufferReArmsWaiterOnPartialProgress(t *testing.T) {
	c, _, frames := newBareConnection(t)
	s, err := c.streams.allocate(10, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	s.buffer = make([]byte, 30)
	s.bufferEndStream = true

	require.NoError(t, c.flushStreamBuffer(s))

	sent := recvFrame(t, frames)
	assert.Equal(t, uint32(10), sent.hdr.Length)
	assert.Len(t, s.buffer, 20)

	select {
	case <-s.sendWaiter:
	default:
		t.Fatal(`expected sendWaiter to be re-armed after partial progress`)
	}
}

func TestFlushStreamBufferWaitsWhenNoWindow(t *testing.T) {
	c, _, _ := newBareConnection(t)
	c.connSendWindow = 0
	s, err := c.streams.allocate(1000, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	s.buffer = []byte(`hello`)
	require.NoError(t, c.flushStreamBuffer(s))
	assert.Equal(t, []byte(`hello`), s.buffer)
}
