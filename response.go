package h2

import (
	"io"
)

// Response is the value the Request Driver resolves the caller's pending
// sink with (spec.md §4.4, §4.5), generalizing the teacher's response
// struct (which buffered the whole body inline in a bytes.Buffer) into a
// streamed body per spec.md §9's "deferred/promise sinks" design note.
type Response struct {
	Status  int
	Headers []HeaderPair
	Body    io.ReadCloser
}

// emptyBody is used for headers-only responses (spec.md scenario 1):
// END_HEADERS|END_STREAM on the initial HEADERS frame.
type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

// streamBody adapts a bodySink's chunk channel into an io.ReadCloser,
// the consumer side of spec.md §9's "ordered lazy sequence whose producer
// is the Frame Processor".
type streamBody struct {
	sink *bodySink
	buf  []byte
	err  error
	done bool
}

func newStreamBody(sink *bodySink) io.ReadCloser {
	return &streamBody{sink: sink}
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.done {
			if b.err != nil {
				return 0, b.err
			}
			return 0, io.EOF
		}
		chunk, ok := <-b.sink.chunks
		if ok {
			b.buf = chunk
			continue
		}
		b.done = true
		select {
		case err := <-b.sink.done:
			b.err = err
		default:
		}
	}

	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close discards any unread body, draining the channel so the Frame
// Processor's body.push never blocks forever on a caller that stopped
// reading mid-stream (e.g. after cancellation).
func (b *streamBody) Close() error {
	for range b.sink.chunks {
	}
	b.done = true
	select {
	case err := <-b.sink.done:
		b.err = err
	default:
	}
	return nil
}
