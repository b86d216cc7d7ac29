package tftp

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeBitExact(t *testing.T) {
	cases := []struct {
		name string
		p    Packet
		want []byte
	}{
		{"rrq empty", NewRRQ(nil, Octet, nil), []byte("\x00\x01\x00octet\x00")},
		{"data", NewDATA(0x1234, []byte("hello world")), []byte("\x00\x03\x12\x34hello world")},
		{"ack", NewACK(0x1234), []byte("\x00\x04\x12\x34")},
		{"error", NewERROR(0x0102, "Some error!"), []byte("\x00\x05\x01\x02Some error!\x00")},
		{"oack", NewOACK([]RequestOption{{"key1", "value1"}, {"key2", "value2"}}),
			[]byte("\x00\x06key1\x00value1\x00key2\x00value2\x00")},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.p.Encode()
			if !bytes.Equal(got, c.want) {
				t.Fatalf("Encode() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	packets := []Packet{
		NewRRQ([]byte("foo"), Octet, nil),
		NewRRQ([]byte("foo"), Netascii, []RequestOption{{"blksize", "1024"}}),
		NewWRQ([]byte("bar"), Octet, nil),
		NewDATA(1, []byte{1, 2, 3}),
		NewDATA(65535, nil),
		NewACK(0),
		NewACK(65535),
		NewERROR(ErrFileNotFound, "nope"),
		NewOACK([]RequestOption{{"blksize", "1432"}}),
		NewOACK(nil),
	}

	for _, p := range packets {
		encoded := p.Encode()
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", encoded, err)
		}
		if decoded.Kind != p.Kind || decoded.Mode != p.Mode || decoded.Block != p.Block ||
			decoded.Code != p.Code || decoded.Message != p.Message ||
			!bytes.Equal(decoded.Filename, p.Filename) || !bytes.Equal(decoded.Payload, p.Payload) ||
			len(decoded.Options) != len(p.Options) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, p)
		}
		for i := range p.Options {
			if decoded.Options[i] != p.Options[i] {
				t.Fatalf("option %d mismatch: got %+v, want %+v", i, decoded.Options[i], p.Options[i])
			}
		}
	}
}

func TestDecodeModeCaseInsensitive(t *testing.T) {
	p, err := Decode([]byte("\x00\x01foo\x00NeTAscIi\x00"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Mode != Netascii {
		t.Fatalf("Mode = %v, want Netascii", p.Mode)
	}
}

func TestDecodeInvalidMode(t *testing.T) {
	_, err := Decode([]byte("\x00\x01foo\x00bogus\x00"))
	if !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("err = %v, want ErrInvalidMode", err)
	}
}

func TestDecodeUnrecognizedOpcode(t *testing.T) {
	_, err := Decode([]byte("\x00\x09whatever"))
	if !errors.Is(err, ErrUnrecognizedPacket) {
		t.Fatalf("err = %v, want ErrUnrecognizedPacket", err)
	}
}

func TestDecodeMissingTerminator(t *testing.T) {
	_, err := Decode([]byte("\x00\x01foo"))
	if !errors.Is(err, ErrUnrecognizedPacket) {
		t.Fatalf("err = %v, want ErrUnrecognizedPacket", err)
	}
}

func TestDecodeInvalidErrorMessageUTF8(t *testing.T) {
	raw := append([]byte("\x00\x05\x00\x00"), 0xff, 0xfe, 0x00)
	_, err := Decode(raw)
	if !errors.Is(err, ErrInvalidString) {
		t.Fatalf("err = %v, want ErrInvalidString", err)
	}
}

func TestDecodeTrailingBytesIgnored(t *testing.T) {
	p, err := Decode([]byte("\x00\x04\x00\x01trailing garbage"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Kind != KindACK || p.Block != 1 {
		t.Fatalf("p = %+v, want ACK(1)", p)
	}
}

func TestDecodeOptionsOrderPreserved(t *testing.T) {
	p, err := Decode([]byte("\x00\x06blksize\x001024\x00tsize\x000\x00"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []RequestOption{{"blksize", "1024"}, {"tsize", "0"}}
	if len(p.Options) != len(want) {
		t.Fatalf("Options = %+v, want %+v", p.Options, want)
	}
	for i := range want {
		if p.Options[i] != want[i] {
			t.Fatalf("Options[%d] = %+v, want %+v", i, p.Options[i], want[i])
		}
	}
}
