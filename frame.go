package h2

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame Codec (spec.md §4.1): the 9-byte frame header plus typed payload
// framing. Generalizes the teacher's buildFrame/recvFrame pair (which only
// understood SETTINGS, GOAWAY, RST_STREAM, HEADERS, DATA, WINDOW_UPDATE)
// into every type used by this engine, including CONTINUATION, PING and
// PRIORITY, which the teacher never parsed.

const frameHeaderLen = 9

var byteOrder = binary.BigEndian

// frameHeader is the decoded 9-byte preamble common to every frame.
type frameHeader struct {
	Length   uint32 // u24, payload length only
	Type     FrameType
	Flags    FrameFlags
	StreamID uint32 // top bit always masked off per spec.md §4.1
}

func encodeFrameHeader(dst []byte, length uint32, typ FrameType, flags FrameFlags, streamID uint32) {
	_ = dst[frameHeaderLen-1]
	dst[0] = byte(length >> 16)
	dst[1] = byte(length >> 8)
	dst[2] = byte(length)
	dst[3] = byte(typ)
	dst[4] = byte(flags)
	byteOrder.PutUint32(dst[5:9], streamID&0x7fffffff)
}

func decodeFrameHeader(b []byte) frameHeader {
	_ = b[frameHeaderLen-1]
	return frameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    FrameFlags(b[4]),
		StreamID: byteOrder.Uint32(b[5:9]) & 0x7fffffff,
	}
}

// writeFrame writes one complete frame to w in a single call, matching
// spec.md §4.1's "never split across concurrent callers" requirement —
// header and payload go out in one writeAll call, under w's mutex.
func writeFrame(w *connWriter, typ FrameType, flags FrameFlags, streamID uint32, payload []byte) error {
	if len(payload) > 0xffffff {
		return errors.Errorf(`h2: frame payload %d exceeds u24 length`, len(payload))
	}
	var hdr [frameHeaderLen]byte
	encodeFrameHeader(hdr[:], uint32(len(payload)), typ, flags, streamID)
	return w.writeAll(hdr[:], payload)
}

// encodeSettingsPayload serializes SETTINGS entries into their 6-byte-per-entry
// wire form.
func encodeSettingsPayload(entries []settingsDelta) []byte {
	buf := make([]byte, 0, 6*len(entries))
	var tmp [6]byte
	for _, e := range entries {
		byteOrder.PutUint16(tmp[0:2], uint16(e.ID))
		byteOrder.PutUint32(tmp[2:6], e.Value)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeSettingsPayload(payload []byte) []settingsDelta {
	n := len(payload) / 6
	out := make([]settingsDelta, 0, n)
	for i := 0; i < n; i++ {
		p := payload[i*6 : i*6+6]
		out = append(out, settingsDelta{
			ID:    SettingID(byteOrder.Uint16(p[0:2])),
			Value: byteOrder.Uint32(p[2:6]),
		})
	}
	return out
}

func encodeWindowUpdatePayload(increment uint32) []byte {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], increment&0x7fffffff)
	return buf[:]
}

func decodeWindowUpdatePayload(payload []byte) uint32 {
	return byteOrder.Uint32(payload[0:4]) & 0x7fffffff
}

func encodeRSTStreamPayload(code ErrorCode) []byte {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], uint32(code))
	return buf[:]
}

func decodeRSTStreamPayload(payload []byte) ErrorCode {
	return ErrorCode(byteOrder.Uint32(payload[0:4]))
}

func decodeGoAwayPayload(payload []byte) (lastStreamID uint32, code ErrorCode, debug []byte) {
	lastStreamID = byteOrder.Uint32(payload[0:4]) & 0x7fffffff
	code = ErrorCode(byteOrder.Uint32(payload[4:8]))
	if len(payload) > 8 {
		debug = append([]byte(nil), payload[8:]...)
	}
	return
}

func encodeGoAwayPayload(lastStreamID uint32, code ErrorCode) []byte {
	buf := make([]byte, 8)
	byteOrder.PutUint32(buf[0:4], lastStreamID&0x7fffffff)
	byteOrder.PutUint32(buf[4:8], uint32(code))
	return buf
}

// stripPadding removes the optional 1-byte pad-length prefix plus trailing
// padding from a PADDED frame's payload (spec.md §4.4 DATA/HEADERS common
// check: "padded-frame padding greater than length" is PROTOCOL_ERROR).
func stripPadding(payload []byte, padded bool) (data []byte, err error) {
	if !padded {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, errors.New(`h2: PADDED frame missing pad-length byte`)
	}
	padLen := int(payload[0])
	rest := payload[1:]
	if padLen > len(rest) {
		return nil, errors.New(`h2: padding length exceeds frame length`)
	}
	return rest[:len(rest)-padLen], nil
}

// decodeHeadersPriority parses the optional 5-byte PRIORITY block that may
// prefix a HEADERS frame's header-block-fragment (spec.md §4.4 HEADERS).
func decodeHeadersPriority(payload []byte) (dependency uint32, exclusive bool, weight uint8, rest []byte, err error) {
	if len(payload) < 5 {
		return 0, false, 0, nil, errors.New(`h2: truncated HEADERS priority block`)
	}
	raw := byteOrder.Uint32(payload[0:4])
	exclusive = raw&0x80000000 != 0
	dependency = raw & 0x7fffffff
	weight = payload[4]
	return dependency, exclusive, weight, payload[5:], nil
}

func decodePriorityPayload(payload []byte) (dependency uint32, exclusive bool, weight uint8, err error) {
	dependency, exclusive, weight, _, err = decodeHeadersPriority(payload)
	return
}

func decodePingPayload(payload []byte) uint64 {
	return byteOrder.Uint64(payload[0:8])
}

func encodePingPayload(data uint64) []byte {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], data)
	return buf[:]
}
