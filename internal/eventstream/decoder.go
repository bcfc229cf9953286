// Package eventstream implements a decoder for the AWS event-stream binary
// framing used by the CodeWhisperer streaming API. Each frame carries a
// prelude (total length and header-block length), a CRC32 over the prelude,
// a block of typed headers, a payload, and a trailing CRC32 over the whole
// frame. The decoder is a byte-buffer-and-cursor object fed externally by the
// network layer: when fewer bytes than one complete frame are available it
// suspends instead of failing, so it can be driven directly from a streaming
// HTTP response body.
package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	// preludeLen is total length (4) + headers length (4).
	preludeLen = 8
	// frameOverhead is prelude (8) + prelude CRC (4) + message CRC (4).
	frameOverhead = 16
	// maxFrameSize bounds a single frame. The upstream never sends frames
	// anywhere near this large; anything bigger indicates corrupt framing.
	maxFrameSize = 16 << 20
)

// HeaderType identifies the wire type of a header value.
type HeaderType byte

// Header value type tags as defined by the AWS event-stream encoding.
const (
	TypeBoolTrue  HeaderType = 0
	TypeBoolFalse HeaderType = 1
	TypeByte      HeaderType = 2
	TypeShort     HeaderType = 3
	TypeInteger   HeaderType = 4
	TypeLong      HeaderType = 5
	TypeByteArray HeaderType = 6
	TypeString    HeaderType = 7
	TypeTimestamp HeaderType = 8
	TypeUUID      HeaderType = 9
)

// HeaderValue is one decoded header value. Exactly one of the value fields is
// meaningful depending on Type.
type HeaderValue struct {
	Type   HeaderType
	Bool   bool
	Int    int64
	Bytes  []byte
	String string
	Time   time.Time
}

// Frame is one decoded unit of the binary stream: a set of typed headers and
// a raw payload. The decoder has already verified both checksums by the time
// a Frame is returned.
type Frame struct {
	Headers map[string]HeaderValue
	Payload []byte
}

// EventType returns the ":event-type" string header, or "" when absent.
func (f *Frame) EventType() string {
	return f.stringHeader(":event-type")
}

// MessageType returns the ":message-type" string header, or "" when absent.
func (f *Frame) MessageType() string {
	return f.stringHeader(":message-type")
}

// ExceptionType returns the ":exception-type" string header, or "" when absent.
func (f *Frame) ExceptionType() string {
	return f.stringHeader(":exception-type")
}

func (f *Frame) stringHeader(name string) string {
	if h, ok := f.Headers[name]; ok && h.Type == TypeString {
		return h.String
	}
	return ""
}

// FramingError reports a length field that is inconsistent with the bytes on
// the wire. A framing error is not recoverable for the stream it occurred on.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "eventstream: framing error: " + e.Reason
}

// ChecksumError reports a CRC32 mismatch in either the prelude or the message
// checksum. A frame with a checksum mismatch must not be interpreted.
type ChecksumError struct {
	Section  string // "prelude" or "message"
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("eventstream: %s CRC mismatch: computed %08x, frame carries %08x", e.Section, e.Expected, e.Actual)
}

// Decoder incrementally decodes frames from an append-only byte buffer.
// It is not safe for concurrent use; each in-flight request owns its own
// Decoder.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns an empty decoder ready to be fed bytes.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes received from the upstream connection.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	// Compact consumed bytes before growing the buffer.
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > len(d.buf)/2 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports how many fed bytes have not yet been consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next decodes and returns the next complete frame. It returns (nil, nil)
// when the buffer does not yet hold one full frame; callers feed more bytes
// and retry. Once Next has returned a FramingError or ChecksumError the
// decoder is poisoned and every subsequent call returns the same error.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	avail := d.buf[d.off:]
	if len(avail) < preludeLen+4 {
		return nil, nil
	}

	totalLen := binary.BigEndian.Uint32(avail[0:4])
	headersLen := binary.BigEndian.Uint32(avail[4:8])

	if totalLen < frameOverhead {
		return nil, d.fail(&FramingError{Reason: fmt.Sprintf("declared frame length %d below minimum %d", totalLen, frameOverhead)})
	}
	if totalLen > maxFrameSize {
		return nil, d.fail(&FramingError{Reason: fmt.Sprintf("declared frame length %d exceeds limit %d", totalLen, maxFrameSize)})
	}
	if headersLen > totalLen-frameOverhead {
		return nil, d.fail(&FramingError{Reason: fmt.Sprintf("header block length %d exceeds frame bounds (total %d)", headersLen, totalLen)})
	}

	// Prelude CRC covers the two length fields only. Verify it before waiting
	// for the rest of the frame so corrupt lengths fail fast.
	wantPrelude := binary.BigEndian.Uint32(avail[8:12])
	gotPrelude := crc32.ChecksumIEEE(avail[:preludeLen])
	if gotPrelude != wantPrelude {
		return nil, d.fail(&ChecksumError{Section: "prelude", Expected: gotPrelude, Actual: wantPrelude})
	}

	if uint32(len(avail)) < totalLen {
		// Incomplete frame: suspend until more bytes arrive.
		return nil, nil
	}

	frame := avail[:totalLen]
	wantMessage := binary.BigEndian.Uint32(frame[totalLen-4:])
	gotMessage := crc32.ChecksumIEEE(frame[:totalLen-4])
	if gotMessage != wantMessage {
		return nil, d.fail(&ChecksumError{Section: "message", Expected: gotMessage, Actual: wantMessage})
	}

	headers, err := parseHeaders(frame[preludeLen+4 : preludeLen+4+int(headersLen)])
	if err != nil {
		return nil, d.fail(err)
	}

	payloadLen := int(totalLen) - frameOverhead - int(headersLen)
	payload := make([]byte, payloadLen)
	copy(payload, frame[preludeLen+4+int(headersLen):totalLen-4])

	d.off += int(totalLen)
	return &Frame{Headers: headers, Payload: payload}, nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

// parseHeaders consumes the header block until it is exhausted. Every entry is
// name length (1), name, type tag (1), and a type-dependent value. A block
// that cannot be consumed exactly is a framing error.
func parseHeaders(block []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	off := 0
	for off < len(block) {
		nameLen := int(block[off])
		off++
		if off+nameLen > len(block) {
			return nil, &FramingError{Reason: "header name overruns header block"}
		}
		name := string(block[off : off+nameLen])
		off += nameLen

		if off >= len(block) {
			return nil, &FramingError{Reason: "header block truncated before value type"}
		}
		typ := HeaderType(block[off])
		off++

		value, n, err := parseHeaderValue(typ, block[off:])
		if err != nil {
			return nil, err
		}
		off += n
		headers[name] = value
	}
	return headers, nil
}

func parseHeaderValue(typ HeaderType, rest []byte) (HeaderValue, int, error) {
	hv := HeaderValue{Type: typ}
	switch typ {
	case TypeBoolTrue:
		hv.Bool = true
		return hv, 0, nil
	case TypeBoolFalse:
		return hv, 0, nil
	case TypeByte:
		if len(rest) < 1 {
			return hv, 0, &FramingError{Reason: "byte header truncated"}
		}
		hv.Int = int64(int8(rest[0]))
		return hv, 1, nil
	case TypeShort:
		if len(rest) < 2 {
			return hv, 0, &FramingError{Reason: "short header truncated"}
		}
		hv.Int = int64(int16(binary.BigEndian.Uint16(rest)))
		return hv, 2, nil
	case TypeInteger:
		if len(rest) < 4 {
			return hv, 0, &FramingError{Reason: "integer header truncated"}
		}
		hv.Int = int64(int32(binary.BigEndian.Uint32(rest)))
		return hv, 4, nil
	case TypeLong:
		if len(rest) < 8 {
			return hv, 0, &FramingError{Reason: "long header truncated"}
		}
		hv.Int = int64(binary.BigEndian.Uint64(rest))
		return hv, 8, nil
	case TypeByteArray, TypeString:
		if len(rest) < 2 {
			return hv, 0, &FramingError{Reason: "variable-length header truncated"}
		}
		valueLen := int(binary.BigEndian.Uint16(rest))
		if len(rest) < 2+valueLen {
			return hv, 0, &FramingError{Reason: "variable-length header value overruns header block"}
		}
		if typ == TypeString {
			hv.String = string(rest[2 : 2+valueLen])
		} else {
			hv.Bytes = append([]byte(nil), rest[2:2+valueLen]...)
		}
		return hv, 2 + valueLen, nil
	case TypeTimestamp:
		if len(rest) < 8 {
			return hv, 0, &FramingError{Reason: "timestamp header truncated"}
		}
		ms := int64(binary.BigEndian.Uint64(rest))
		hv.Time = time.UnixMilli(ms).UTC()
		return hv, 8, nil
	case TypeUUID:
		if len(rest) < 16 {
			return hv, 0, &FramingError{Reason: "uuid header truncated"}
		}
		hv.Bytes = append([]byte(nil), rest[:16]...)
		return hv, 16, nil
	default:
		return hv, 0, &FramingError{Reason: fmt.Sprintf("unknown header value type %d", typ)}
	}
}

// DecodeAll decodes every complete frame in data. It fails if data ends in
// the middle of a frame, so it is only suitable for fully buffered responses;
// streaming callers use Feed/Next.
func DecodeAll(data []byte) ([]*Frame, error) {
	d := NewDecoder()
	d.Feed(data)
	var frames []*Frame
	for {
		frame, err := d.Next()
		if err != nil {
			return frames, err
		}
		if frame == nil {
			if d.Buffered() != 0 {
				return frames, &FramingError{Reason: fmt.Sprintf("%d trailing bytes after last complete frame", d.Buffered())}
			}
			return frames, nil
		}
		frames = append(frames, frame)
	}
}
