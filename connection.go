package h2

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
)

// clientConnectionPreface is sent before anything else on a new
// connection (RFC 7540 §3.5), byte-for-byte the same constant the teacher
// uses.
var clientConnectionPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Connection owns one HTTP/2 socket and multiplexes requests over it
// (spec.md §3). It generalizes the teacher's Connection struct: the
// single mutable Settings field becomes a (local, peer) pair, the single
// send-side flowControlWindow becomes a bidirectional Flow Controller, and
// streamsActive becomes the streamTable component.
type Connection struct {
	sock   Socket
	writer *connWriter
	log    *zap.Logger

	localSettings Settings
	peerSettings  Settings

	hpackEncoder       *hpack.Encoder
	hpackEncoderBuffer bytes.Buffer
	hpackDecoder       *hpack.Decoder

	streams *streamTable

	// connSendWindow is the peer's credit to us: how many bytes of DATA we
	// may still emit before blocking (teacher's flowControlWindow).
	connSendWindow int64
	// connRecvWindow is our credit to the peer: how many bytes of DATA the
	// peer may still send us before we must WINDOW_UPDATE.
	connRecvWindow int64

	maxHeaderSize uint32
	maxBodySize   int64

	drainSignal chan struct{}

	settingsReceived     chan struct{}
	settingsReceivedOnce sync.Once

	// continuationExpected is the stream id awaiting a CONTINUATION frame
	// (0 if none); set/cleared only from the single reader goroutine.
	continuationExpected uint32

	// peerInitialWindowBeforeDelta tracks the last INITIAL_WINDOW_SIZE we
	// applied, so a later SETTINGS frame's delta is computed correctly
	// (spec.md §4.4.1: "Delta is applied to every stream's clientWindow").
	peerInitialWindowBeforeDelta uint32

	mu               sync.Mutex
	closed           chan struct{}
	closeOnce        sync.Once
	onCloseCallbacks []func()
	refs             referenceCounter
}

// NewConnection drives the client side of the HTTP/2 handshake over an
// already-established socket (TLS/ALPN negotiation is the caller's
// responsibility, per spec.md §1) and starts the reader and buffered-send
// drain goroutines, mirroring the teacher's `go h2c.reader()` after
// `beginHandshake`.
func NewConnection(sock Socket, opts ...Option) (*Connection, error) {
	c := &Connection{
		sock:             sock,
		log:              newNopLogger(),
		localSettings:    DefaultLocalSettings(),
		peerSettings:     DefaultPeerSettings(),
		streams:          newStreamTable(),
		drainSignal:      make(chan struct{}, 1),
		settingsReceived: make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxHeaderSize == 0 {
		c.maxHeaderSize = defaultMaxHeaderSize
	}
	if c.maxBodySize == 0 {
		c.maxBodySize = defaultMaxBodySize
	}

	c.connSendWindow = int64(c.peerSettings.InitialWindowSize)
	c.connRecvWindow = defaultConnReceiveWindow
	c.peerInitialWindowBeforeDelta = c.peerSettings.InitialWindowSize

	c.writer = newConnWriter(sock)

	c.hpackEncoder = hpack.NewEncoder(&c.hpackEncoderBuffer)
	c.hpackEncoder.SetMaxDynamicTableSizeLimit(c.localSettings.HeaderTableSize)
	c.hpackDecoder = hpack.NewDecoder(c.localSettings.HeaderTableSize, nil)

	c.streams.setRemaining(int64(c.peerSettings.MaxConcurrentStreams))

	if err := c.beginHandshake(); err != nil {
		return nil, errors.Wrap(err, `h2: handshake failed`)
	}

	go c.readLoop()
	go c.drainLoop()

	return c, nil
}

func (c *Connection) beginHandshake() error {
	if err := c.writer.writeAll(clientConnectionPreface); err != nil {
		return errors.Wrap(err, `h2: sending preface failed`)
	}

	settings := []settingsDelta{
		{ID: SettingEnablePush, Value: 0},
		{ID: SettingMaxConcurrentStreams, Value: c.localSettings.MaxConcurrentStreams},
		{ID: SettingInitialWindowSize, Value: c.localSettings.InitialWindowSize},
		{ID: SettingMaxHeaderListSize, Value: c.localSettings.MaxHeaderListSize},
		{ID: SettingMaxFrameSize, Value: c.localSettings.MaxFrameSize},
	}
	if err := writeFrame(c.writer, FrameSettings, 0, 0, encodeSettingsPayload(settings)); err != nil {
		return errors.Wrap(err, `h2: sending initial SETTINGS failed`)
	}

	c.log.Debug(`h2: handshake sent`, zap.Uint32(`maxConcurrentStreams`, c.localSettings.MaxConcurrentStreams))
	return nil
}

// sendAdminFrame is the single administrative write path shared by the
// Flow Controller and Frame Processor (WINDOW_UPDATE, PING ACK, SETTINGS
// ACK, RST_STREAM) — spec.md §5: "only the writer path ... may write".
func (c *Connection) sendAdminFrame(typ FrameType, flags FrameFlags, streamID uint32, payload []byte) error {
	return writeFrame(c.writer, typ, flags, streamID, payload)
}

func (c *Connection) fireSettingsReceived() {
	c.settingsReceivedOnce.Do(func() {
		close(c.settingsReceived)
	})
}

// readLoop is the single long-running reader task (spec.md §5): it pulls
// bytes off the socket, decodes one frame at a time, and dispatches to the
// Frame Processor. Generalizes the teacher's `reader()` method.
func (c *Connection) readLoop() {
	var hdrBuf [frameHeaderLen]byte
	payloadBuf := make([]byte, 4096)

	for {
		if _, err := io.ReadFull(c.sock, hdrBuf[:]); err != nil {
			c.failAll(&DisconnectedError{Cause: err})
			return
		}
		hdr := decodeFrameHeader(hdrBuf[:])

		if hdr.Length > c.localSettings.MaxFrameSize {
			c.connectionError(NewConnError(ErrCodeFrameSizeError, `frame exceeds advertised MAX_FRAME_SIZE`))
			return
		}

		if cap(payloadBuf) < int(hdr.Length) {
			payloadBuf = make([]byte, hdr.Length)
		}
		payload := payloadBuf[:hdr.Length]
		if hdr.Length > 0 {
			if _, err := io.ReadFull(c.sock, payload); err != nil {
				c.failAll(&DisconnectedError{Cause: err})
				return
			}
		}

		if done := c.dispatchFrame(hdr, payload); done {
			return
		}
	}
}

// isBusy reports whether this connection can accept another request,
// per spec.md §6: true iff remainingStreams <= 0 or the socket is closed.
func (c *Connection) isBusy() bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	return c.streams.remainingBudget() <= 0
}

// IsBusy is the exported spelling of isBusy for the external HTTP client
// layer (spec.md §6 public surface).
func (c *Connection) IsBusy() bool { return c.isBusy() }

// OnClose registers a callback fired exactly once when the connection
// closes, in registration order (spec.md §8 testable property).
func (c *Connection) OnClose(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		cb()
		c.mu.Lock()
		return
	default:
	}
	c.onCloseCallbacks = append(c.onCloseCallbacks, cb)
}

func (c *Connection) fireOnClose() {
	c.mu.Lock()
	cbs := c.onCloseCallbacks
	c.onCloseCallbacks = nil
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// reference/unreference implement the idle-tracking hints from spec.md
// §6; the Request Driver calls reference() for the duration of an
// in-flight exchange.
func (c *Connection) reference() {
	c.mu.Lock()
	c.refs.add(1)
	c.mu.Unlock()
}

func (c *Connection) unreference() {
	c.mu.Lock()
	c.refs.add(-1)
	c.mu.Unlock()
}

// LocalAddr and RemoteAddr are the address accessors from the public
// surface (spec.md §6).
func (c *Connection) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *Connection) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// TLSConnectionState returns the negotiated TLS parameters when the
// underlying socket exposes them (spec.md §6 "optional TLS info").
func (c *Connection) TLSConnectionState() (state tls.ConnectionState, ok bool) {
	if info, is := c.sock.(TLSInfoSocket); is {
		return info.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Close performs the idempotent graceful shutdown sequence from spec.md
// §4.6: release every stream with a disconnect error, send
// GOAWAY(lastId, GRACEFUL_SHUTDOWN), close the socket, then fire on-close
// callbacks exactly once. Frame writes are synchronous, so no write is
// still pending when the socket closes.
func (c *Connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		lastID := c.streams.maxOpenID()

		c.failAllLocked(&DisconnectedError{Cause: ErrSocketClosed, Retryable: false}, lastID)

		_ = c.sendAdminFrame(FrameGoAway, 0, 0, encodeGoAwayPayload(lastID, ErrCodeNoError))

		close(c.closed)
		closeErr = c.sock.Close()

		c.fireOnClose()
	})
	return closeErr
}

// shutdown is the connection-error close path (spec.md §4.6): it sends
// GOAWAY with the given reason code and the computed last-processed
// stream id before closing. lastID, if nil, is computed as the max open
// stream id (0 if none) — the corrected version of the source's
// non-terminating loop (SPEC_FULL.md §9.3).
func (c *Connection) shutdown(lastID *uint32, reason ErrorCode, cause error) {
	c.closeOnce.Do(func() {
		id := c.streams.maxOpenID()
		if lastID != nil {
			id = *lastID
		}

		c.failAllLocked(&DisconnectedError{Cause: cause, Retryable: false}, id)

		_ = c.sendAdminFrame(FrameGoAway, 0, 0, encodeGoAwayPayload(id, reason))

		close(c.closed)
		_ = c.sock.Close()

		c.fireOnClose()
	})
}

func (c *Connection) connectionError(err *ConnError) {
	c.log.Warn(`h2: connection error`, zap.String(`code`, err.Code_.String()), zap.String(`reason`, err.Reason))
	var lastID *uint32
	if err.HasLast {
		id := err.LastID
		lastID = &id
	}
	c.shutdown(lastID, err.Code_, err)
}

// failAll fails every in-flight request/body sink with cause and closes
// the connection without sending GOAWAY (used on transport-level I/O
// failure, where the socket is already unusable).
func (c *Connection) failAll(cause *DisconnectedError) {
	c.closeOnce.Do(func() {
		c.failAllLocked(cause, c.streams.maxOpenID())
		close(c.closed)
		_ = c.sock.Close()
		c.fireOnClose()
	})
}

// failAllLocked fails every stream in the table, marking a stream
// retryable if its id is above lastID — the last stream the peer (or we)
// guaranteed to have acted on, per spec.md §4.6.
func (c *Connection) failAllLocked(cause *DisconnectedError, lastID uint32) {
	for _, s := range c.streams.all() {
		retryable := cause.Retryable || s.id > lastID
		perStreamErr := &DisconnectedError{Cause: cause.Cause, Retryable: retryable}
		c.releaseStream(s, perStreamErr)
	}
}

// releaseStream implements spec.md §4.2's release(): free the table slot,
// complete or fail the pending sink, and restore remainingStreams exactly
// once. Double-release is a bug, matched here by streamTable.release
// reporting "already absent" rather than panicking — callers always check
// existence first, per spec.md §3.
func (c *Connection) releaseStream(s *Stream, err error) {
	if _, ok := c.streams.release(s.id); !ok {
		c.log.Debug(`h2: release on unknown stream`, zap.Uint32(`streamId`, s.id), zap.Error(ErrStreamNotFound))
		return
	}

	s.mu.Lock()
	alreadyReleased := s.released
	s.released = true
	body := s.body
	reqSink := s.reqSink
	s.mu.Unlock()

	if alreadyReleased {
		c.log.Debug(`h2: double release`, zap.Uint32(`streamId`, s.id), zap.Error(ErrDoubleRelease))
		return
	}

	if body != nil {
		body.finish(err)
	} else if reqSink != nil {
		reqSink.complete(nil, err)
	}
}
