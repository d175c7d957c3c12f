package h2

import (
	"sync"
)

// StreamState is the bitflag state of a Stream, per spec.md §3.
type StreamState uint8

const (
	StateReserved StreamState = 1 << iota
	StateRemoteClosed
	StateLocalClosed
)

func (s StreamState) Has(flag StreamState) bool { return s&flag != 0 }

// bodySink is the multi-producer/single-consumer channel of body chunks a
// Stream publishes to, consumed by Response.Body (spec.md §9 "deferred/
// promise sinks"). A zero value is not ready for use; newBodySink
// allocates the channel.
type bodySink struct {
	chunks chan []byte
	done   chan error // closed with the terminal error (nil on success)
	once   sync.Once
}

func newBodySink() *bodySink {
	return &bodySink{
		chunks: make(chan []byte, 16),
		done:   make(chan error, 1),
	}
}

func (b *bodySink) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks <- cp
}

// finish closes the chunk channel and records the terminal error exactly
// once, tolerating concurrent close from END_STREAM vs RST_STREAM vs
// connection teardown racing each other.
func (b *bodySink) finish(err error) {
	b.once.Do(func() {
		// record the error before closing chunks, so a reader that sees
		// chunks closed always finds it waiting on done.
		b.done <- err
		close(b.done)
		close(b.chunks)
	})
}

// requestSink is the one-shot completion signal for a pending request's
// response head (spec.md §9).
type requestSink struct {
	ch   chan requestResult
	once sync.Once
}

type requestResult struct {
	resp *Response
	err  error
}

func newRequestSink() *requestSink {
	return &requestSink{ch: make(chan requestResult, 1)}
}

func (s *requestSink) complete(resp *Response, err error) {
	s.once.Do(func() {
		s.ch <- requestResult{resp: resp, err: err}
		close(s.ch)
	})
}

// Stream is per-exchange HTTP/2 state, per spec.md §3. Unified here from
// the teacher's two incompatible half-types (connection_stream.go's
// connectionStream and stream.go's unused Stream).
type Stream struct {
	mu sync.Mutex

	id    uint32
	state StreamState

	// serverWindow is our receive-side credit: how many more bytes of DATA
	// the peer may send us on this stream before we must WINDOW_UPDATE.
	serverWindow int64
	// clientWindow is our send-side credit: how many more bytes of DATA we
	// may send the peer before we must wait for WINDOW_UPDATE.
	clientWindow int64

	// headers accumulates an in-progress HEADERS/CONTINUATION block; nil
	// when no header block is being assembled.
	headers []byte

	// buffer holds outbound body bytes waiting for send-window credit.
	buffer []byte
	// bufferEndStream is true if the buffered bytes are the final chunk of
	// the outbound body (so the last DATA fragment must carry END_STREAM).
	bufferEndStream bool
	// sendWaiter is signalled (non-blocking) whenever clientWindow grows
	// or the connection window grows, so a blocked writer can retry.
	sendWaiter chan struct{}

	hasExpectedLength bool
	expectedLength    int64
	received          int64

	maxHeaderSize uint32
	maxBodySize   int64

	dependency uint32
	priority   uint8
	exclusive  bool

	reqSink  *requestSink
	body     *bodySink
	released bool
}

func newStream(id uint32, sendWindow, recvWindow int64, maxHeaderSize uint32, maxBodySize int64) *Stream {
	return &Stream{
		id:            id,
		clientWindow:  sendWindow,
		serverWindow:  recvWindow,
		sendWaiter:    make(chan struct{}, 1),
		maxHeaderSize: maxHeaderSize,
		maxBodySize:   maxBodySize,
		reqSink:       newRequestSink(),
	}
}

// armSendWaiter wakes exactly one blocked writer; non-blocking so repeated
// arms from WINDOW_UPDATE and SETTINGS deltas never pile up.
func (s *Stream) armSendWaiter() {
	select {
	case s.sendWaiter <- struct{}{}:
	default:
	}
}

func (s *Stream) beginHeaderBlock() {
	s.headers = s.headers[:0]
}

func (s *Stream) appendHeaderBlock(b []byte) {
	s.headers = append(s.headers, b...)
}

func (s *Stream) headerBlockLen() int {
	return len(s.headers)
}

func (s *Stream) startBodySink() *bodySink {
	s.body = newBodySink()
	return s.body
}
