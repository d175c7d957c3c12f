package h2

import (
	"bytes"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/net/http2/hpack"
)

// validHeaderName matches RFC 7230 token characters restricted to the
// HTTP/2 lowercase-only subset used by spec.md §4.4's header-assembly
// check: "/^[\x21-\x40\x5b-\x7e]+$/" (printable ASCII excluding the
// uppercase letters 'A' through 'Z'; pseudo-headers start with ':' and
// are checked separately).
var validHeaderName = regexp.MustCompile(`^[\x21-\x40\x5b-\x7e]+$`)

var validContentLength = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// knownResponsePseudoHeaders is the set of response pseudo-headers this
// client understands; anything else is a connection error (spec.md §4.4).
var knownResponsePseudoHeaders = map[string]bool{
	`:status`: true,
}

// assembledHead is the decoded, validated result of running HPACK decode
// over a complete header block (spec.md §4.4 "header assembly").
type assembledHead struct {
	status  int
	headers []HeaderPair
}

// hpackFailure wraps a raw HPACK decode error: the shared decoder's
// dynamic table is now in an unknown state, so this must always surface
// as a connection-level COMPRESSION_ERROR (spec.md §4.4: "null ⇒
// COMPRESSION_ERROR"), never a stream-level fault.
type hpackFailure struct{ error }

// decodeHeaderBlock runs the shared HPACK decoder over block and validates
// pseudo-header placement/uniqueness per spec.md §4.4. Everything this
// returns other than an *hpackFailure is the connection-level PROTOCOL_ERROR
// class of violation described in §4.4 ("... (connection error otherwise)");
// callers apply stream-scoped checks (RESERVED-already-set, content-length
// format) themselves. The HPACK decoder is a single shared, session-
// persistent instance (spec.md §5), so this must only ever be called from
// the single reader goroutine.
func decodeHeaderBlock(dec *hpack.Decoder, block []byte, maxStringLen uint32) (*assembledHead, error) {
	var fields []hpack.HeaderField
	dec.SetEmitFunc(func(f hpack.HeaderField) {
		fields = append(fields, f)
	})
	dec.SetMaxStringLength(int(maxStringLen))

	if _, err := dec.Write(block); err != nil {
		return nil, &hpackFailure{errors.Wrap(err, `h2: HPACK decode failed`)}
	}
	if err := dec.Close(); err != nil {
		return nil, &hpackFailure{errors.Wrap(err, `h2: HPACK decode failed`)}
	}

	head := &assembledHead{}
	seenPseudo := map[string]bool{}
	inRegularHeaders := false

	for _, f := range fields {
		name := f.Name
		if len(name) == 0 {
			return nil, errors.New(`h2: empty header name`)
		}

		if name[0] == ':' {
			if inRegularHeaders {
				return nil, errors.New(`h2: pseudo-header after regular header`)
			}
			if !knownResponsePseudoHeaders[name] {
				return nil, errors.Errorf(`h2: unknown pseudo-header %q`, name)
			}
			if seenPseudo[name] {
				return nil, errors.Errorf(`h2: duplicate pseudo-header %q`, name)
			}
			seenPseudo[name] = true

			if name == `:status` {
				code, err := strconv.Atoi(f.Value)
				if err != nil {
					return nil, errors.Wrap(err, `h2: malformed :status`)
				}
				head.status = code
			}
			continue
		}

		inRegularHeaders = true
		if !validHeaderName.MatchString(name) {
			return nil, errors.Errorf(`h2: invalid header name %q`, name)
		}

		head.headers = append(head.headers, HeaderPair{Key: name, Value: f.Value})
	}

	if !seenPseudo[`:status`] {
		return nil, errors.New(`h2: response missing :status`)
	}

	return head, nil
}

// extractContentLength finds and validates a content-length header among
// already-assembled regular headers (spec.md §4.4: format
// `/^(0|[1-9][0-9]*)$/`, stream-scoped PROTOCOL_ERROR otherwise, since it
// only affects this one stream's body framing).
func extractContentLength(headers []HeaderPair) (length int64, has bool, err error) {
	for _, h := range headers {
		if h.Key != `content-length` {
			continue
		}
		if !validContentLength.MatchString(h.Value) {
			return 0, false, errors.New(`h2: malformed content-length`)
		}
		length, err = strconv.ParseInt(h.Value, 10, 64)
		if err != nil {
			return 0, false, errors.Wrap(err, `h2: malformed content-length`)
		}
		return length, true, nil
	}
	return 0, false, nil
}

// encodeRequestHeaders HPACK-encodes the pseudo-headers plus caller
// headers for an outbound request, in the order required by spec.md §8's
// round-trip law: the four pseudo-headers first, then caller headers in
// their original iteration order, with host/connection stripped by the
// Request Driver before this is called.
func encodeRequestHeaders(enc *hpack.Encoder, buf *bytes.Buffer, method, authority, path, scheme string, headers []HeaderPair) error {
	buf.Reset()

	if path == `` {
		path = `/`
	}

	pseudo := []hpack.HeaderField{
		{Name: `:method`, Value: method},
		{Name: `:path`, Value: path},
		{Name: `:scheme`, Value: scheme},
		{Name: `:authority`, Value: authority},
	}
	for _, f := range pseudo {
		if err := enc.WriteField(f); err != nil {
			return errors.Wrap(err, `h2: HPACK encode failed`)
		}
	}

	for _, h := range headers {
		if err := enc.WriteField(hpack.HeaderField{Name: h.Key, Value: h.Value}); err != nil {
			return errors.Wrap(err, `h2: HPACK encode failed`)
		}
	}

	return nil
}
