package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	frames := []Frame{
		&ErrorFrame{Msg: "bad"},
		&PlateFrame{Plate: "UN1X", Timestamp: 1000},
		&TicketFrame{Plate: "RE05BKG", Road: 368, Mile1: 1234, Timestamp1: 1000000000, Mile2: 1235, Timestamp2: 1000000010, Speed: 10000},
		&WantHeartbeatFrame{Interval: 100},
		&HeartbeatFrame{},
		&IAmCameraFrame{Road: 66, Mile: 100, Limit: 60},
		&IAmDispatcherFrame{Roads: []uint16{66, 368, 9}},
		&IAmDispatcherFrame{Roads: nil},
	}
	for _, f := range frames {
		var buf bytes.Buffer
		if err := codec.Encode(&buf, f); err != nil {
			t.Fatalf("Encode(%#v): %v", f, err)
		}
		got, err := codec.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode after Encode(%#v): %v", f, err)
		}
		if got.Type() != f.Type() {
			t.Fatalf("type mismatch: got %v want %v", got.Type(), f.Type())
		}
		// Round-trip through Encode again must reproduce the same bytes.
		var buf2 bytes.Buffer
		if err := codec.Encode(&buf2, got); err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		var buf3 bytes.Buffer
		_ = codec.Encode(&buf3, f)
		if !bytes.Equal(buf2.Bytes(), buf3.Bytes()) {
			t.Fatalf("round trip mismatch for %#v: %q vs %q", f, buf2.Bytes(), buf3.Bytes())
		}
	}
}

func TestCodec_DecodeCleanEOF(t *testing.T) {
	codec := Codec{}
	_, err := codec.Decode(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at clean frame boundary, got %v", err)
	}
}

func TestCodec_DecodeUnknownTag(t *testing.T) {
	codec := Codec{}
	_, err := codec.Decode(bytes.NewReader([]byte{0xFF}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestCodec_DecodeTruncatedMidFrame(t *testing.T) {
	codec := Codec{}
	// IAmCamera tag with only 2 of 6 required body bytes.
	_, err := codec.Decode(bytes.NewReader([]byte{byte(TypeIAmCamera), 0x00, 0x42}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for truncated body, got %v", err)
	}
}

func TestCodec_DecodeTruncatedString(t *testing.T) {
	codec := Codec{}
	// Plate frame claiming a 10-byte plate string but supplying none.
	_, err := codec.Decode(bytes.NewReader([]byte{byte(TypePlate), 10}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for truncated string, got %v", err)
	}
}

func TestCodec_IAmDispatcherZeroRoads(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	if err := codec.Encode(&buf, &IAmDispatcherFrame{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d := got.(*IAmDispatcherFrame)
	if len(d.Roads) != 0 {
		t.Fatalf("expected zero roads, got %v", d.Roads)
	}
}

func TestCodec_DecodeN(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	in := []Frame{
		&PlateFrame{Plate: "ABC", Timestamp: 1},
		&HeartbeatFrame{},
		&IAmCameraFrame{Road: 1, Mile: 2, Limit: 3},
	}
	for _, f := range in {
		if err := codec.Encode(&buf, f); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	var out []Frame
	for {
		f, err := codec.Decode(&buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, f)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d frames, want %d", len(out), len(in))
	}
}
