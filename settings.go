package h2

import "math"

// Settings holds the tunable SETTINGS parameters for one side of a
// connection (RFC 7540 §6.5.2), generalizing the teacher's single mutable
// Settings value — we keep one instance for what we advertised and one for
// what the peer advertised (see SPEC_FULL.md §3).
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultLocalSettings is what this client advertises in its first
// SETTINGS frame, per spec.md §6.
func DefaultLocalSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           false,
		MaxConcurrentStreams: 256,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    1048576,
	}
}

// DefaultPeerSettings is what RFC 7540 §6.5.2 mandates assuming before the
// peer's first SETTINGS frame arrives.
func DefaultPeerSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: math.MaxUint32,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    math.MaxUint32,
	}
}

const (
	defaultStreamReceiveWindow = 65535
	defaultConnReceiveWindow   = 65535
	defaultMaxHeaderSize       = 1 << 20
	defaultMaxBodySize         = 1 << 30
	maxWindowSize              = (1 << 31) - 1
	maxSettingsFrameLen        = 60 // cap on bytes accepted in one SETTINGS frame (spec.md §4.4)
)

// settingsDelta is one parsed 6-byte SETTINGS entry.
type settingsDelta struct {
	ID    SettingID
	Value uint32
}

// applySettings applies peer SETTINGS entries to conn per §4.4.1,
// returning a connection error if any entry is invalid. A change to
// INITIAL_WINDOW_SIZE is reported via initialWindowChanged and
// newInitialWindow so the caller can apply the delta to every open stream
// and schedule a buffered-send pass.
func (c *Connection) applySettings(deltas []settingsDelta) (initialWindowChanged bool, newInitialWindow uint32, err error) {
	for _, d := range deltas {
		switch d.ID {
		case SettingHeaderTableSize:
			c.peerSettings.HeaderTableSize = d.Value

		case SettingEnablePush:
			if d.Value != 0 {
				return false, 0, NewConnError(ErrCodeProtocolError, `server advertised ENABLE_PUSH != 0`)
			}
			c.peerSettings.EnablePush = false

		case SettingMaxConcurrentStreams:
			if d.Value >= (1 << 31) {
				return false, 0, NewConnError(ErrCodeProtocolError, `MAX_CONCURRENT_STREAMS out of range`)
			}
			c.peerSettings.MaxConcurrentStreams = d.Value
			open := int64(c.streams.Len())
			remaining := int64(d.Value) - open
			if remaining < 0 {
				remaining = 0
			}
			c.streams.setRemaining(remaining)

		case SettingInitialWindowSize:
			if d.Value >= (1 << 31) {
				return false, 0, NewConnError(ErrCodeFlowControlError, `INITIAL_WINDOW_SIZE out of range`)
			}
			c.peerSettings.InitialWindowSize = d.Value
			initialWindowChanged = true
			newInitialWindow = d.Value

		case SettingMaxFrameSize:
			if d.Value < (1<<14) || d.Value >= (1<<24) {
				return false, 0, NewConnError(ErrCodeProtocolError, `MAX_FRAME_SIZE out of range`)
			}
			c.peerSettings.MaxFrameSize = d.Value

		case SettingMaxHeaderListSize:
			c.peerSettings.MaxHeaderListSize = d.Value

		default:
			// unknown settings ids are ignored, per spec.md §4.4.1.
		}
	}
	return initialWindowChanged, newInitialWindow, nil
}
