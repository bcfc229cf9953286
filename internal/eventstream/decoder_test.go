package eventstream

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func TestDecodeSingleFrame(t *testing.T) {
	payload := []byte(`{"content":"hello"}`)
	wire := EncodeEvent("assistantResponseEvent", payload)

	frames, err := DecodeAll(wire)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if got := f.EventType(); got != "assistantResponseEvent" {
		t.Errorf("event type = %q, want assistantResponseEvent", got)
	}
	if got := f.MessageType(); got != "event" {
		t.Errorf("message type = %q, want event", got)
	}
	if string(f.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", f.Payload, payload)
	}
}

func TestDecodeRoundTripChecksums(t *testing.T) {
	// Re-computing the checksums from the decoded constituents must reproduce
	// the original wire bytes bit for bit: the decoder verifies and parses,
	// it never mutates.
	wire := EncodeEvent("toolUseEvent", []byte(`{"toolUseId":"t1","name":"get_weather","input":"{"}`))

	frames, err := DecodeAll(wire)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	reencoded := Encode(frames[0].Headers, frames[0].Payload)
	if string(reencoded) != string(wire) {
		t.Fatalf("re-encoded frame differs from original wire bytes")
	}

	wantPrelude := binary.BigEndian.Uint32(wire[8:12])
	if got := crc32.ChecksumIEEE(wire[:8]); got != wantPrelude {
		t.Errorf("prelude CRC = %08x, want %08x", got, wantPrelude)
	}
	wantMessage := binary.BigEndian.Uint32(wire[len(wire)-4:])
	if got := crc32.ChecksumIEEE(wire[:len(wire)-4]); got != wantMessage {
		t.Errorf("message CRC = %08x, want %08x", got, wantMessage)
	}
}

func TestDecodeHeaderTypes(t *testing.T) {
	headers := map[string]HeaderValue{
		"flag-on":  {Type: TypeBoolTrue},
		"flag-off": {Type: TypeBoolFalse},
		"tiny":     {Type: TypeByte, Int: -5},
		"small":    {Type: TypeShort, Int: -300},
		"medium":   {Type: TypeInteger, Int: 70000},
		"big":      {Type: TypeLong, Int: 1 << 40},
		"blob":     {Type: TypeByteArray, Bytes: []byte{0xde, 0xad}},
		"name":     {Type: TypeString, String: "value"},
	}
	frames, err := DecodeAll(Encode(headers, nil))
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	got := frames[0].Headers
	if !got["flag-on"].Bool || got["flag-off"].Bool {
		t.Errorf("bool headers decoded wrong: %+v %+v", got["flag-on"], got["flag-off"])
	}
	for name, want := range map[string]int64{"tiny": -5, "small": -300, "medium": 70000, "big": 1 << 40} {
		if got[name].Int != want {
			t.Errorf("%s = %d, want %d", name, got[name].Int, want)
		}
	}
	if string(got["blob"].Bytes) != "\xde\xad" {
		t.Errorf("blob = % x", got["blob"].Bytes)
	}
	if got["name"].String != "value" {
		t.Errorf("name = %q", got["name"].String)
	}
}

func TestDecodeIncremental(t *testing.T) {
	wire := EncodeEvent("assistantResponseEvent", []byte(`{"content":"partial delivery"}`))

	d := NewDecoder()
	// Feed one byte at a time; the decoder must suspend, never error, until
	// the frame completes.
	for i, b := range wire {
		d.Feed([]byte{b})
		frame, err := d.Next()
		if err != nil {
			t.Fatalf("Next after %d bytes: %v", i+1, err)
		}
		if frame != nil && i != len(wire)-1 {
			t.Fatalf("frame produced after only %d of %d bytes", i+1, len(wire))
		}
		if i == len(wire)-1 && frame == nil {
			t.Fatal("no frame after all bytes fed")
		}
	}
	if d.Buffered() != 0 {
		t.Errorf("buffered = %d, want 0", d.Buffered())
	}
}

func TestDecodeMultipleFramesOneBuffer(t *testing.T) {
	var wire []byte
	wire = append(wire, EncodeEvent("assistantResponseEvent", []byte(`{"content":"a"}`))...)
	wire = append(wire, EncodeEvent("assistantResponseEvent", []byte(`{"content":"b"}`))...)
	wire = append(wire, EncodeEvent("messageMetadataEvent", []byte(`{"totalTokens":12}`))...)

	frames, err := DecodeAll(wire)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[2].EventType() != "messageMetadataEvent" {
		t.Errorf("frame 2 event type = %q", frames[2].EventType())
	}
}

func TestDecodeMessageChecksumMismatch(t *testing.T) {
	wire := EncodeEvent("assistantResponseEvent", []byte(`{"content":"x"}`))
	// Corrupt one payload byte; the trailing CRC no longer matches.
	wire[len(wire)-6] ^= 0xff

	d := NewDecoder()
	d.Feed(wire)
	frame, err := d.Next()
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ChecksumError", err)
	}
	if cerr.Section != "message" {
		t.Errorf("section = %q, want message", cerr.Section)
	}
	if frame != nil {
		t.Error("corrupt frame must not produce a Frame")
	}
	// The decoder is poisoned: subsequent calls repeat the error.
	if _, err2 := d.Next(); !errors.As(err2, &cerr) {
		t.Errorf("second Next = %v, want same ChecksumError", err2)
	}
}

func TestDecodePreludeChecksumMismatch(t *testing.T) {
	wire := EncodeEvent("assistantResponseEvent", []byte(`{}`))
	wire[9] ^= 0x01 // flip a prelude CRC bit

	d := NewDecoder()
	d.Feed(wire)
	_, err := d.Next()
	var cerr *ChecksumError
	if !errors.As(err, &cerr) || cerr.Section != "prelude" {
		t.Fatalf("err = %v, want prelude ChecksumError", err)
	}
}

func TestDecodeFramingErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name: "total length below minimum",
			mutate: func(wire []byte) []byte {
				binary.BigEndian.PutUint32(wire[0:4], 4)
				binary.BigEndian.PutUint32(wire[8:12], crc32.ChecksumIEEE(wire[:8]))
				return wire
			},
		},
		{
			name: "headers exceed frame bounds",
			mutate: func(wire []byte) []byte {
				binary.BigEndian.PutUint32(wire[4:8], 1<<20)
				binary.BigEndian.PutUint32(wire[8:12], crc32.ChecksumIEEE(wire[:8]))
				return wire
			},
		},
		{
			name: "trailing bytes after last frame",
			mutate: func(wire []byte) []byte {
				return append(wire, 0x00, 0x01, 0x02)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := tt.mutate(EncodeEvent("assistantResponseEvent", []byte(`{}`)))
			_, err := DecodeAll(wire)
			var ferr *FramingError
			if !errors.As(err, &ferr) {
				t.Fatalf("err = %v, want FramingError", err)
			}
		})
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	frames, err := DecodeAll(Encode(map[string]HeaderValue{
		":event-type": {Type: TypeString, String: "followupPromptEvent"},
	}, nil))
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(frames[0].Payload) != 0 {
		t.Errorf("payload = %q, want empty", frames[0].Payload)
	}
}
