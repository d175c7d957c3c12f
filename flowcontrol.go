package h2

// Flow Controller (spec.md §4.3): connection- and stream-level send/receive
// windows plus buffered-send scheduling. The teacher only implements a
// send-side connection window (flowControlWindow int64) and a fire-and-
// forget receive-side WINDOW_UPDATE in recvFrame; this generalizes both
// directions, both levels, and the deferred buffered-send drain pass.

// receiveDataAccounting subtracts length from both the connection and
// stream receive windows after a DATA frame arrives, then emits
// WINDOW_UPDATE frames per spec.md §4.3's thresholds. Called from the
// reader goroutine (processor.go's handleData) without the stream's mutex
// held; that goroutine is the only writer of serverWindow and received.
func (c *Connection) receiveDataAccounting(s *Stream, length uint32) error {
	c.connRecvWindow -= int64(length)
	s.serverWindow -= int64(length)

	maxActive := c.maxBodySizeFor(s)

	if c.connRecvWindow < maxActive/2 {
		increment := maxActive - c.connRecvWindow
		if increment > maxWindowSize {
			increment = maxWindowSize
		}
		if increment > 0 {
			c.connRecvWindow += increment
			if err := c.sendAdminFrame(FrameWindowUpdate, 0, 0, encodeWindowUpdatePayload(uint32(increment))); err != nil {
				return err
			}
		}
	}

	if s.serverWindow <= 0 {
		remaining := s.maxBodySize - s.received
		if remaining > 0 {
			increment := remaining
			if increment > maxWindowSize {
				increment = maxWindowSize
			}
			s.serverWindow += increment
			if err := c.sendAdminFrame(FrameWindowUpdate, 0, s.id, encodeWindowUpdatePayload(uint32(increment))); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Connection) maxBodySizeFor(active *Stream) int64 {
	max := active.maxBodySize
	for _, s := range c.streams.all() {
		if s.maxBodySize > max {
			max = s.maxBodySize
		}
	}
	return max
}

// applyWindowUpdate adds increment to either the connection window
// (streamID == 0) or a stream's clientWindow, enforcing the overflow and
// zero-increment checks from spec.md §4.3, then arms the buffered-send
// drain.
func (c *Connection) applyWindowUpdate(streamID uint32, increment uint32) error {
	if streamID == 0 {
		if increment == 0 {
			return NewConnError(ErrCodeProtocolError, `WINDOW_UPDATE with zero increment`)
		}

		newWindow := c.connSendWindow + int64(increment)
		if newWindow > maxWindowSize {
			return NewConnError(ErrCodeFlowControlError, `connection send window overflow`)
		}
		c.connSendWindow = newWindow
		for _, s := range c.streams.all() {
			s.armSendWaiter()
		}
		c.scheduleDrain()
		return nil
	}

	if increment == 0 {
		return NewStreamError(streamID, ErrCodeProtocolError, `WINDOW_UPDATE with zero increment`)
	}

	s, ok := c.streams.get(streamID)
	if !ok {
		// spec.md doesn't require erroring when the stream is already gone
		// (it may have been released concurrently); tolerate.
		return nil
	}

	s.mu.Lock()
	newWindow := s.clientWindow + int64(increment)
	if newWindow > maxWindowSize {
		s.mu.Unlock()
		return NewStreamError(streamID, ErrCodeFlowControlError, `stream send window overflow`)
	}
	s.clientWindow = newWindow
	s.armSendWaiter()
	s.mu.Unlock()

	c.scheduleDrain()
	return nil
}

// applyInitialWindowDelta is called after a SETTINGS frame changes
// INITIAL_WINDOW_SIZE: the delta (new - old) is applied to every open
// stream's clientWindow, never the connection window (spec.md §4.4.1).
func (c *Connection) applyInitialWindowDelta(oldValue, newValue uint32) error {
	delta := int64(newValue) - int64(oldValue)
	for _, s := range c.streams.all() {
		s.mu.Lock()
		updated := s.clientWindow + delta
		if updated > maxWindowSize {
			s.mu.Unlock()
			return NewConnError(ErrCodeFlowControlError, `SETTINGS INITIAL_WINDOW_SIZE overflow on stream`)
		}
		s.clientWindow = updated
		s.armSendWaiter()
		s.mu.Unlock()
	}
	c.scheduleDrain()
	return nil
}

// scheduleDrain arms the deferred buffered-send pass: spec.md §4.3 requires
// this run to be deferred to a subsequent scheduling tick (so ACK/admin
// frames flush first) but guaranteed to eventually run. We realize the
// "subsequent tick" with a buffered, single-slot channel drained by a
// dedicated goroutine, so multiple arms coalesce into one pass.
func (c *Connection) scheduleDrain() {
	select {
	case c.drainSignal <- struct{}{}:
	default:
	}
}

// drainLoop runs for the Connection's lifetime, waking on scheduleDrain and
// flushing every stream with buffered bytes and available credit.
func (c *Connection) drainLoop() {
	for {
		select {
		case <-c.drainSignal:
			c.drainBufferedSends()
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) drainBufferedSends() {
	for _, s := range c.streams.all() {
		s.mu.Lock()
		buffered := len(s.buffer) > 0
		s.mu.Unlock()
		if buffered {
			_ = c.flushStreamBuffer(s)
		}
	}
}

// flushStreamBuffer writes as much of s.buffer as the current connection+
// stream windows allow, fragmenting per maxFrameSize (spec.md §4.3's
// fragmentation rule), and re-arms the waiter if only partial progress was
// made — this is the fix for SPEC_FULL.md §9.2's open question (the
// source resets stream.buffer on partial progress without re-arming).
func (c *Connection) flushStreamBuffer(s *Stream) error {
	for {
		s.mu.Lock()
		if s.released || len(s.buffer) == 0 {
			s.mu.Unlock()
			return nil
		}

		writable := c.connSendWindow
		if s.clientWindow < writable {
			writable = s.clientWindow
		}
		if writable <= 0 {
			s.mu.Unlock()
			return nil
		}

		length := int64(len(s.buffer))
		n := length
		if n > writable {
			n = writable
		}
		maxFrame := int64(c.peerSettings.MaxFrameSize)
		endStream := s.bufferEndStream && n == length
		if n > maxFrame {
			n = maxFrame
			endStream = false
		}

		chunk := s.buffer[:n]
		remainder := s.buffer[n:]

		c.connSendWindow -= n
		s.clientWindow -= n
		s.buffer = remainder
		if len(remainder) > 0 {
			// partial progress: keep the waiter armed so the remainder
			// drains once more credit arrives (open question §9.2 fix).
			s.armSendWaiter()
		} else if s.bufferEndStream {
			s.state |= StateLocalClosed
		}
		flags := FrameFlags(0)
		if endStream {
			flags |= FlagEndStream
		}
		id := s.id
		s.mu.Unlock()

		if err := c.sendAdminFrame(FrameData, flags, id, chunk); err != nil {
			return err
		}

		if len(remainder) == 0 {
			return nil
		}
	}
}
