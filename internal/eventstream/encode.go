package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
)

// Encode serializes headers and payload into one wire frame, computing both
// checksums. The gateway itself never writes event-stream frames upstream;
// Encode exists for test fixtures and for capturing reproductions of upstream
// traffic.
func Encode(headers map[string]HeaderValue, payload []byte) []byte {
	block := encodeHeaders(headers)
	totalLen := frameOverhead + len(block) + len(payload)

	frame := make([]byte, 0, totalLen)
	frame = binary.BigEndian.AppendUint32(frame, uint32(totalLen))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(block)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame[:preludeLen]))
	frame = append(frame, block...)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	return frame
}

// EncodeEvent builds a frame shaped like the upstream's event frames: a
// ":message-type" of "event", the given ":event-type", and a JSON payload.
func EncodeEvent(eventType string, payload []byte) []byte {
	return Encode(map[string]HeaderValue{
		":message-type": {Type: TypeString, String: "event"},
		":event-type":   {Type: TypeString, String: eventType},
		":content-type": {Type: TypeString, String: "application/json"},
	}, payload)
}

func encodeHeaders(headers map[string]HeaderValue) []byte {
	// Deterministic order keeps encoded fixtures stable.
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var block []byte
	for _, name := range names {
		hv := headers[name]
		block = append(block, byte(len(name)))
		block = append(block, name...)
		block = append(block, byte(hv.Type))
		switch hv.Type {
		case TypeBoolTrue, TypeBoolFalse:
		case TypeByte:
			block = append(block, byte(hv.Int))
		case TypeShort:
			block = binary.BigEndian.AppendUint16(block, uint16(hv.Int))
		case TypeInteger:
			block = binary.BigEndian.AppendUint32(block, uint32(hv.Int))
		case TypeLong:
			block = binary.BigEndian.AppendUint64(block, uint64(hv.Int))
		case TypeByteArray:
			block = binary.BigEndian.AppendUint16(block, uint16(len(hv.Bytes)))
			block = append(block, hv.Bytes...)
		case TypeString:
			block = binary.BigEndian.AppendUint16(block, uint16(len(hv.String)))
			block = append(block, hv.String...)
		case TypeTimestamp:
			block = binary.BigEndian.AppendUint64(block, uint64(hv.Time.UnixMilli()))
		case TypeUUID:
			b := hv.Bytes
			if len(b) != 16 {
				b = make([]byte, 16)
				copy(b, hv.Bytes)
			}
			block = append(block, b...)
		}
	}
	return block
}
