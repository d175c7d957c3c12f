package h2

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Request Driver (spec.md §4.5): outbound request lifecycle — stream
// allocation, header emission, body pumping, cancellation wiring.
// Generalizes the teacher's Connection.Req, which allocated a stream,
// sent one HEADERS frame with END_STREAM|END_HEADERS and never supported
// a request body, cancellation, or the settings-received rendezvous.

// Request sends req over this connection and returns once the response
// head has arrived (spec.md §4.5). ctx cancellation triggers
// RST_STREAM(CANCEL) per spec.md §5 "Cancellation".
func (c *Connection) Request(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-c.settingsReceived:
	case <-c.closed:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	headers := stripHopHeaders(req.Headers)

	s, err := c.streams.allocate(int64(c.peerSettings.InitialWindowSize), defaultStreamReceiveWindow, c.maxHeaderSize, c.maxBodySize)
	if err != nil {
		return nil, errors.Wrap(err, `h2: cannot allocate stream`)
	}

	c.reference()
	defer c.unreference()

	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			c.cancelStream(s)
		case <-cancelDone:
		}
	}()

	if err := c.sendRequestHead(ctx, s, req, headers); err != nil {
		c.releaseStream(s, err)
		return nil, err
	}

	select {
	case result := <-s.reqSink.ch:
		return result.resp, result.err
	case <-c.closed:
		return nil, ErrSocketClosed
	}
}

// cancelStream implements spec.md §4.5 step 4 / §5 "Cancellation": send
// RST_STREAM(CANCEL) for the id and release the stream with a
// cancellation error; the body pump (select-driven on the same ctx) stops
// writing further chunks on its own next iteration.
func (c *Connection) cancelStream(s *Stream) {
	_ = c.sendAdminFrame(FrameRSTStream, 0, s.id, encodeRSTStreamPayload(ErrCodeCancel))
	c.releaseStream(s, ErrCancelled)
}

func stripHopHeaders(headers []HeaderPair) []HeaderPair {
	out := make([]HeaderPair, 0, len(headers))
	for _, h := range headers {
		switch strings.ToLower(h.Key) {
		case `host`, `connection`:
			continue
		}
		out = append(out, h)
	}
	return out
}

// sendRequestHead HPACK-encodes and emits HEADERS(+CONTINUATION) for req,
// then pumps the request body if one is present (spec.md §4.5 steps 6-7).
func (c *Connection) sendRequestHead(ctx context.Context, s *Stream, req *Request, headers []HeaderPair) error {
	method := req.Method
	if method == `` {
		method = `GET`
	}
	scheme := req.Scheme
	if scheme == `` {
		scheme = `https`
	}

	// the HPACK encoder's dynamic table is a single shared, connection-wide
	// resource (spec.md §5): encode must be serialized with any concurrent
	// encode/decode, so we hold the writer's write lock for the whole
	// encode-then-send sequence, matching the teacher's doMu scope.
	c.writer.mu.Lock()
	if err := encodeRequestHeaders(c.hpackEncoder, &c.hpackEncoderBuffer, method, req.Authority, req.Path, scheme, headers); err != nil {
		c.writer.mu.Unlock()
		return err
	}
	block := append([]byte(nil), c.hpackEncoderBuffer.Bytes()...)
	// c.writer.mu is still held, so the frames go out through a second
	// writer on the same socket; no other frame can be written in between.
	err := c.sendHeaderBlock(newConnWriter(c.writer.sock), s.id, block, req.Body == nil)
	c.writer.mu.Unlock()
	if err != nil || req.Body == nil {
		return err
	}

	return c.pumpBody(ctx, s, req.Body)
}

// sendHeaderBlock fragments block across one HEADERS frame followed by
// zero or more CONTINUATION frames per spec.md §4.3: only the last frame
// carries END_HEADERS, and endStream (if set) appears only on the first
// (HEADERS) frame's flags. Every frame is written through w.
func (c *Connection) sendHeaderBlock(w *connWriter, streamID uint32, block []byte, endStream bool) error {
	maxFrame := int(c.peerSettings.MaxFrameSize)

	first := true
	for {
		n := len(block)
		if n > maxFrame {
			n = maxFrame
		}
		chunk := block[:n]
		block = block[n:]
		last := len(block) == 0

		flags := FrameFlags(0)
		typ := FrameContinuation
		if first {
			typ = FrameHeaders
			if endStream {
				flags |= FlagEndStream
			}
		}
		if last {
			flags |= FlagEndHeaders
		}

		if err := writeFrame(w, typ, flags, streamID, chunk); err != nil {
			return errors.Wrap(err, `h2: writing header block failed`)
		}

		first = false
		if last {
			return nil
		}
	}
}

// bodyChunk is one message from pumpReader's background read loop.
type bodyChunk struct {
	data  []byte
	final bool
	err   error
}

// pumpReader reads body in the background and delivers chunks on a
// channel, implementing spec.md §4.5 step 7's one-chunk lookahead
// internally: a chunk is only sent once the read that follows it is known
// to have hit EOF (so it can be marked final) or produced more data (so it
// is sent as non-terminal). Running the reads in their own goroutine is
// what lets the pump loop in pumpBody stay responsive to ctx cancellation
// even while body.Read blocks.
func pumpReader(body io.Reader) <-chan bodyChunk {
	ch := make(chan bodyChunk, 1)
	go func() {
		defer close(ch)

		current, err := readChunk(body)
		if err == io.EOF {
			ch <- bodyChunk{final: true}
			return
		}
		if err != nil {
			ch <- bodyChunk{err: err}
			return
		}

		for {
			next, err := readChunk(body)
			if err == io.EOF {
				ch <- bodyChunk{data: current, final: true}
				return
			}
			if err != nil {
				ch <- bodyChunk{err: err}
				return
			}
			ch <- bodyChunk{data: current}
			current = next
		}
	}()
	return ch
}

// pumpBody drains pumpReader's channel, writing each chunk as DATA
// (spec.md §4.5 step 7), while staying responsive to ctx cancellation and
// connection close even when the body reader itself is blocked.
func (c *Connection) pumpBody(ctx context.Context, s *Stream, body io.Reader) error {
	chunks := pumpReader(body)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.err != nil {
				return errors.Wrap(chunk.err, `h2: reading request body failed`)
			}
			if err := c.writeData(ctx, s, chunk.data, chunk.final); err != nil {
				return err
			}
			if chunk.final {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrSocketClosed
		}
	}
}

// writeData appends data to the stream's outbound buffer and blocks until
// every byte has been accepted by the socket writer — fixing
// SPEC_FULL.md §9.1's open question (the source's buffered-send helper
// writes intermediate fragments fire-and-forget; here the returned error
// only resolves once all fragments, including non-terminal ones, are
// written).
func (c *Connection) writeData(ctx context.Context, s *Stream, data []byte, endStream bool) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, data...)
	s.bufferEndStream = endStream
	s.mu.Unlock()

	for {
		if err := c.flushStreamBuffer(s); err != nil {
			return err
		}

		s.mu.Lock()
		remaining := len(s.buffer)
		released := s.released
		s.mu.Unlock()
		if remaining == 0 || released {
			return nil
		}

		select {
		case <-s.sendWaiter:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrSocketClosed
		}
	}
}
