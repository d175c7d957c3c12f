package h2

import (
	"go.uber.org/zap"
)

// Frame Processor (spec.md §4.4): inbound frame dispatch, header-block
// assembly, protocol validation, error classification. Generalizes the
// teacher's inline switch in reader() — which only ever handled SETTINGS,
// WINDOW_UPDATE, GOAWAY, HEADERS and DATA and validated almost nothing —
// into the full per-type semantics spec.md requires, with the two error
// severities (connection vs stream) it calls for.

// dispatchFrame decodes and validates one frame already read off the
// socket (header + full payload — our blocking read loop means "consume
// the remainder of the offending frame's payload" is automatic, since the
// payload is always fully buffered before we get here) and reports
// whether the reader loop must stop (connection closed).
func (c *Connection) dispatchFrame(hdr frameHeader, payload []byte) (stop bool) {
	if c.continuationExpected != 0 {
		if hdr.Type != FrameContinuation || hdr.StreamID != c.continuationExpected {
			c.connectionError(NewConnError(ErrCodeProtocolError, `expected CONTINUATION on the stream with an unterminated header block`))
			return true
		}
	}

	if hdr.StreamID == 0 {
		return c.dispatchConnFrame(hdr, payload)
	}
	return c.dispatchStreamFrame(hdr, payload)
}

func (c *Connection) dispatchConnFrame(hdr frameHeader, payload []byte) (stop bool) {
	switch hdr.Type {
	case FrameSettings:
		return c.handleSettings(hdr, payload)
	case FrameWindowUpdate:
		return c.handleConnWindowUpdate(hdr, payload)
	case FrameGoAway:
		return c.handleGoAway(hdr, payload)
	case FramePing:
		return c.handlePing(hdr, payload)
	case FramePushPromise:
		c.connectionError(NewConnError(ErrCodeProtocolError, `PUSH_PROMISE disallowed (ENABLE_PUSH=0)`))
		return true
	case FrameData, FrameHeaders, FrameRSTStream, FramePriority, FrameContinuation:
		c.connectionError(NewConnError(ErrCodeProtocolError, hdr.Type.String()+` requires a nonzero stream id`))
		return true
	default:
		// unknown frame types are consumed and discarded (RFC 7540 §4.1).
		return false
	}
}

func (c *Connection) dispatchStreamFrame(hdr frameHeader, payload []byte) (stop bool) {
	switch hdr.Type {
	case FrameHeaders:
		return c.handleHeaders(hdr, payload)
	case FrameContinuation:
		return c.handleContinuation(hdr, payload)
	case FrameData:
		return c.handleData(hdr, payload)
	case FrameRSTStream:
		return c.handleRSTStream(hdr, payload)
	case FramePriority:
		return c.handlePriority(hdr, payload)
	case FrameWindowUpdate:
		return c.handleStreamWindowUpdate(hdr, payload)
	case FramePushPromise:
		c.connectionError(NewConnError(ErrCodeProtocolError, `PUSH_PROMISE disallowed (ENABLE_PUSH=0)`))
		return true
	case FrameSettings, FramePing, FrameGoAway:
		c.connectionError(NewConnError(ErrCodeProtocolError, hdr.Type.String()+` requires stream id 0`))
		return true
	default:
		return false
	}
}

// streamError sends RST_STREAM for a stream-scoped fault and
// releases only that stream (spec.md §4.4 "Stream error"), returning
// false (reader keeps going) unless the RST_STREAM write itself fails.
func (c *Connection) streamError(streamID uint32, code ErrorCode, reason string) (stop bool) {
	c.log.Debug(`h2: stream error`, zap.Uint32(`streamId`, streamID), zap.String(`code`, code.String()), zap.String(`reason`, reason))
	if err := c.sendAdminFrame(FrameRSTStream, 0, streamID, encodeRSTStreamPayload(code)); err != nil {
		c.failAll(&DisconnectedError{Cause: err})
		return true
	}
	if s, ok := c.streams.get(streamID); ok {
		c.releaseStream(s, NewStreamError(streamID, code, reason))
	}
	return false
}

func (c *Connection) connErrorStop(code ErrorCode, reason string) bool {
	c.connectionError(NewConnError(code, reason))
	return true
}

// --- SETTINGS (spec.md §4.4, §4.4.1) ---

func (c *Connection) handleSettings(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Flags.Has(FlagAck) {
		if hdr.Length != 0 {
			return c.connErrorStop(ErrCodeFrameSizeError, `SETTINGS ACK must be empty`)
		}
		return false
	}

	if hdr.Length%6 != 0 || hdr.Length > maxSettingsFrameLen {
		return c.connErrorStop(ErrCodeFrameSizeError, `SETTINGS frame malformed length`)
	}

	deltas := decodeSettingsPayload(payload)
	initialWindowChanged, newInitialWindow, err := c.applySettings(deltas)
	if err != nil {
		if ce, ok := err.(*ConnError); ok {
			return c.connErrorStop(ce.Code_, ce.Reason)
		}
		return c.connErrorStop(ErrCodeInternalError, err.Error())
	}

	if initialWindowChanged {
		oldValue := c.peerInitialWindowBeforeDelta
		c.peerInitialWindowBeforeDelta = newInitialWindow
		if err := c.applyInitialWindowDelta(oldValue, newInitialWindow); err != nil {
			if ce, ok := err.(*ConnError); ok {
				return c.connErrorStop(ce.Code_, ce.Reason)
			}
			return c.connErrorStop(ErrCodeInternalError, err.Error())
		}
	}

	if err := c.sendAdminFrame(FrameSettings, FlagAck, 0, nil); err != nil {
		c.failAll(&DisconnectedError{Cause: err})
		return true
	}

	c.fireSettingsReceived()
	return false
}

// --- WINDOW_UPDATE (spec.md §4.3, §4.4) ---

func (c *Connection) handleConnWindowUpdate(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length != 4 {
		return c.connErrorStop(ErrCodeFrameSizeError, `WINDOW_UPDATE must be 4 bytes`)
	}
	increment := decodeWindowUpdatePayload(payload)
	if err := c.applyWindowUpdate(0, increment); err != nil {
		if ce, ok := err.(*ConnError); ok {
			return c.connErrorStop(ce.Code_, ce.Reason)
		}
	}
	return false
}

func (c *Connection) handleStreamWindowUpdate(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length != 4 {
		return c.connErrorStop(ErrCodeFrameSizeError, `WINDOW_UPDATE must be 4 bytes`)
	}
	increment := decodeWindowUpdatePayload(payload)
	if err := c.applyWindowUpdate(hdr.StreamID, increment); err != nil {
		switch e := err.(type) {
		case *StreamError:
			return c.streamError(e.StreamID, e.Code_, e.Reason)
		case *ConnError:
			return c.connErrorStop(e.Code_, e.Reason)
		}
	}
	return false
}

// --- GOAWAY (spec.md §4.4) ---

func (c *Connection) handleGoAway(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length < 8 {
		return c.connErrorStop(ErrCodeFrameSizeError, `GOAWAY too short`)
	}
	lastStreamID, code, _ := decodeGoAwayPayload(payload)
	c.log.Info(`h2: received GOAWAY`, zap.Uint32(`lastStreamId`, lastStreamID), zap.String(`code`, code.String()))

	lastID := lastStreamID
	c.shutdown(&lastID, ErrCodeNoError, errors2GoAway(code))
	return true
}

func errors2GoAway(code ErrorCode) error {
	return &ServerEndedError{Code: code}
}

// --- PING (spec.md §4.4) ---

func (c *Connection) handlePing(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length != 8 {
		return c.connErrorStop(ErrCodeFrameSizeError, `PING must be 8 bytes`)
	}
	if hdr.Flags.Has(FlagAck) {
		return false
	}
	opaque := decodePingPayload(payload)
	if err := c.sendAdminFrame(FramePing, FlagAck, 0, encodePingPayload(opaque)); err != nil {
		c.failAll(&DisconnectedError{Cause: err})
		return true
	}
	return false
}

// --- PRIORITY (spec.md §4.4, recorded only) ---

func (c *Connection) handlePriority(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length != 5 {
		return c.streamError(hdr.StreamID, ErrCodeFrameSizeError, `PRIORITY must be 5 bytes`)
	}
	dependency, exclusive, weight, err := decodePriorityPayload(payload)
	if err != nil {
		return c.streamError(hdr.StreamID, ErrCodeProtocolError, err.Error())
	}
	if s, ok := c.streams.get(hdr.StreamID); ok {
		s.mu.Lock()
		s.dependency = dependency
		s.priority = weight
		s.exclusive = exclusive
		s.mu.Unlock()
	}
	return false
}

// --- RST_STREAM (spec.md §4.4) ---

func (c *Connection) handleRSTStream(hdr frameHeader, payload []byte) (stop bool) {
	if hdr.Length != 4 {
		return c.connErrorStop(ErrCodeFrameSizeError, `RST_STREAM must be 4 bytes`)
	}
	code := decodeRSTStreamPayload(payload)
	if s, ok := c.streams.get(hdr.StreamID); ok {
		c.releaseStream(s, &ServerEndedError{Code: code})
	}
	return false
}

// --- DATA (spec.md §4.4) ---

func (c *Connection) handleData(hdr frameHeader, payload []byte) (stop bool) {
	s, ok := c.streams.get(hdr.StreamID)
	if !ok {
		return c.connErrorStop(ErrCodeProtocolError, `DATA on nonexistent stream`)
	}

	data, err := stripPadding(payload, hdr.Flags.Has(FlagPadded))
	if err != nil {
		return c.connErrorStop(ErrCodeProtocolError, err.Error())
	}

	s.mu.Lock()
	if s.state.Has(StateRemoteClosed) {
		s.mu.Unlock()
		return c.streamError(hdr.StreamID, ErrCodeStreamClosed, `DATA after END_STREAM`)
	}
	if s.headers != nil {
		s.mu.Unlock()
		return c.streamError(hdr.StreamID, ErrCodeProtocolError, `DATA received mid header-block assembly`)
	}
	s.mu.Unlock()

	if err := c.receiveDataAccounting(s, uint32(len(payload))); err != nil {
		if ce, ok := err.(*ConnError); ok {
			return c.connErrorStop(ce.Code_, ce.Reason)
		}
	}

	s.mu.Lock()
	s.received += int64(len(data))
	overBudget := s.received > s.maxBodySize
	endStream := hdr.Flags.Has(FlagEndStream)
	body := s.body
	s.mu.Unlock()

	if overBudget && !endStream {
		return c.streamError(hdr.StreamID, ErrCodeCancel, `received exceeds maxBodySize`)
	}

	if body != nil && len(data) > 0 {
		body.push(data)
	}

	if endStream {
		s.mu.Lock()
		s.state |= StateRemoteClosed
		lengthOK := !s.hasExpectedLength || s.expectedLength == s.received
		s.mu.Unlock()

		if !lengthOK {
			return c.streamError(hdr.StreamID, ErrCodeProtocolError, `content-length mismatch at END_STREAM`)
		}

		// releaseStream removes the stream from the table before it
		// finishes the body sink, so a reader that sees EOF also sees the
		// stream gone.
		c.releaseStream(s, nil)
	}

	return false
}

// --- HEADERS / CONTINUATION / header assembly (spec.md §4.4) ---

func (c *Connection) handleHeaders(hdr frameHeader, payload []byte) (stop bool) {
	s, ok := c.streams.get(hdr.StreamID)
	if !ok {
		return c.connErrorStop(ErrCodeProtocolError, `HEADERS on nonexistent stream`)
	}

	s.mu.Lock()
	if s.state.Has(StateRemoteClosed) {
		s.mu.Unlock()
		return c.streamError(hdr.StreamID, ErrCodeStreamClosed, `HEADERS after END_STREAM`)
	}
	s.mu.Unlock()

	data, err := stripPadding(payload, hdr.Flags.Has(FlagPadded))
	if err != nil {
		return c.connErrorStop(ErrCodeProtocolError, err.Error())
	}

	if hdr.Flags.Has(FlagPriority) {
		dependency, exclusive, weight, rest, err := decodeHeadersPriority(data)
		if err != nil {
			return c.connErrorStop(ErrCodeProtocolError, err.Error())
		}
		if dependency == hdr.StreamID {
			return c.streamError(hdr.StreamID, ErrCodeProtocolError, `stream depends on itself`)
		}
		s.mu.Lock()
		s.dependency, s.exclusive, s.priority = dependency, exclusive, weight
		s.mu.Unlock()
		data = rest
	}

	s.mu.Lock()
	s.beginHeaderBlock()
	s.mu.Unlock()

	return c.appendHeaderBytes(s, hdr, data)
}

func (c *Connection) handleContinuation(hdr frameHeader, payload []byte) (stop bool) {
	s, ok := c.streams.get(hdr.StreamID)
	if !ok {
		return c.connErrorStop(ErrCodeProtocolError, `CONTINUATION on nonexistent stream`)
	}
	return c.appendHeaderBytes(s, hdr, payload)
}

// appendHeaderBytes accumulates data into the stream's header-block
// buffer, enforces maxHeaderSize (spec.md: "Enforce length ≤ maxHeaderSize
// (ENHANCE_YOUR_CALM otherwise)"), tracks END_STREAM, and either expects a
// CONTINUATION or runs header assembly, per spec.md §4.4 and the scoping
// fix from SPEC_FULL.md §9.4 (continuation expectation is scoped to
// "END_HEADERS absent", checked explicitly).
func (c *Connection) appendHeaderBytes(s *Stream, hdr frameHeader, data []byte) (stop bool) {
	s.mu.Lock()
	s.appendHeaderBlock(data)
	tooLarge := uint32(s.headerBlockLen()) > s.maxHeaderSize
	if hdr.Flags.Has(FlagEndStream) {
		s.state |= StateRemoteClosed
	}
	s.mu.Unlock()

	if tooLarge {
		c.continuationExpected = 0
		return c.streamError(hdr.StreamID, ErrCodeEnhanceYourCalm, `header block exceeds maxHeaderSize`)
	}

	if !hdr.Flags.Has(FlagEndHeaders) {
		c.continuationExpected = hdr.StreamID
		return false
	}
	c.continuationExpected = 0

	return c.assembleHeaders(s)
}

func (c *Connection) assembleHeaders(s *Stream) (stop bool) {
	s.mu.Lock()
	block := append([]byte(nil), s.headers...)
	remoteClosed := s.state.Has(StateRemoteClosed)
	alreadyReserved := s.state.Has(StateReserved)
	s.mu.Unlock()

	head, err := decodeHeaderBlock(c.hpackDecoder, block, c.localSettings.MaxHeaderListSize)
	if err != nil {
		if _, isHpack := err.(*hpackFailure); isHpack {
			return c.connErrorStop(ErrCodeCompressionError, err.Error())
		}
		return c.connErrorStop(ErrCodeProtocolError, err.Error())
	}

	if alreadyReserved {
		return c.streamError(s.id, ErrCodeProtocolError, `duplicate response head`)
	}

	s.mu.Lock()
	s.state |= StateReserved
	s.headers = nil
	s.mu.Unlock()

	if remoteClosed {
		resp := &Response{
			Status:  head.status,
			Headers: head.headers,
			Body:    emptyBody{},
		}
		s.reqSink.complete(resp, nil)
		c.releaseStream(s, nil)
		return false
	}

	length, hasLength, err := extractContentLength(head.headers)
	if err != nil {
		return c.streamError(s.id, ErrCodeProtocolError, err.Error())
	}

	body := s.startBodySink()
	s.mu.Lock()
	s.hasExpectedLength = hasLength
	s.expectedLength = length
	s.mu.Unlock()

	resp := &Response{
		Status:  head.status,
		Headers: head.headers,
		Body:    newStreamBody(body),
	}
	s.reqSink.complete(resp, nil)
	return false
}
