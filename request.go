package h2

import "io"

// Request is the value object the external HTTP client layer hands to
// the Request Driver (spec.md §6 public surface), generalizing the
// teacher's loose (method, path, headers, body) parameter list from
// Connection.Req into one struct the way request.go's own `request` type
// tried to (but never wired end to end).
type Request struct {
	Method    string
	Authority string // :authority, usually host[:port]
	Scheme    string // :scheme, "https" or "http"
	Path      string // :path; empty is treated as "/" per spec.md §4.5

	// Headers are merged onto the request after the four pseudo-headers;
	// any "host" or "connection" header here is stripped by the driver
	// per spec.md §4.5 step 2.
	Headers []HeaderPair

	// Body, if non-nil, is read in chunks and pumped as DATA frames. A nil
	// Body means the request has no body: HEADERS is emitted with
	// END_HEADERS|END_STREAM and no DATA follows.
	Body io.Reader
}

// bodyChunkSize bounds how much of Request.Body is read per pump
// iteration; large bodies are naturally fragmented further by the Flow
// Controller's maxFrameSize rule (spec.md §4.3).
const bodyChunkSize = 16 * 1024

// readChunk reads up to bodyChunkSize bytes from r, returning io.EOF only
// once no more bytes remain (never a partial chunk plus EOF in the same
// call, so the Request Driver's one-ahead pump in §4.5 step 7 can always
// tell "this was the last chunk" from a subsequent EOF-only read).
func readChunk(r io.Reader) ([]byte, error) {
	buf := make([]byte, bodyChunkSize)
	n, err := io.ReadFull(r, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}
