package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func sineChunk(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/DefaultSampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestTransportRoundTrip_ReproducesExactBytes(t *testing.T) {
	original := sineChunk(1600)
	original = append(original, 0x00, 0x80, 0xFF, 0x7F) // int16 min and max

	got, err := DecodeTransport(EncodeTransport(original))
	if err != nil {
		t.Fatalf("DecodeTransport: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatal("decoded bytes differ from original")
	}
}

func TestDecodeTransport_AcceptsUnpadded(t *testing.T) {
	got, err := DecodeTransport("AQID") // 3 bytes, no padding needed
	if err != nil {
		t.Fatalf("DecodeTransport: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("got %v", got)
	}
	got, err = DecodeTransport("AQ")
	if err != nil {
		t.Fatalf("DecodeTransport unpadded: %v", err)
	}
	if !bytes.Equal(got, []byte{1}) {
		t.Errorf("got %v", got)
	}
}

func TestDecodeTransport_Malformed(t *testing.T) {
	for _, payload := range []string{"!!!not-base64!!!", "A", "ab$d"} {
		_, err := DecodeTransport(payload)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeTransport(%q) err = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestPCM16Decoder(t *testing.T) {
	var d PCM16Decoder
	if _, err := d.Decode([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Errorf("odd length err = %v, want ErrMalformed", err)
	}
	in := []byte{1, 2, 3, 4}
	out, err := d.Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("Decode changed data: %v", out)
	}
	if out, err := d.Decode(nil); err != nil || len(out) != 0 {
		t.Errorf("Decode(nil) = %v, %v", out, err)
	}
}

func TestCheckSampleRate(t *testing.T) {
	tests := []struct {
		declared, want int
		err            error
	}{
		{0, 16000, nil},
		{16000, 16000, nil},
		{8000, 16000, ErrSampleRateMismatch},
		{48000, 16000, ErrSampleRateMismatch},
		{-1, 16000, ErrMalformed},
	}
	for _, tt := range tests {
		err := CheckSampleRate(tt.declared, tt.want)
		if tt.err == nil && err != nil {
			t.Errorf("CheckSampleRate(%d, %d) = %v, want nil", tt.declared, tt.want, err)
		}
		if tt.err != nil && !errors.Is(err, tt.err) {
			t.Errorf("CheckSampleRate(%d, %d) = %v, want %v", tt.declared, tt.want, err, tt.err)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want Encoding
		ok   bool
	}{
		{"", EncodingPCM16LE, true},
		{"pcm16le", EncodingPCM16LE, true},
		{"PCM", EncodingPCM16LE, true},
		{"opus", EncodingOpus, true},
		{"mp3", "", false},
	}
	for _, tt := range tests {
		got, err := ParseEncoding(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseEncoding(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.ok && !errors.Is(err, ErrUnsupportedEncoding) {
			t.Errorf("ParseEncoding(%q) err = %v, want ErrUnsupportedEncoding", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseEncoding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPacketFraming(t *testing.T) {
	packets := [][]byte{{1, 2, 3}, bytes.Repeat([]byte{9}, 300), {7}}
	got, err := SplitPackets(JoinPackets(packets))
	if err != nil {
		t.Fatalf("SplitPackets: %v", err)
	}
	if len(got) != len(packets) {
		t.Fatalf("got %d packets, want %d", len(got), len(packets))
	}
	for i := range packets {
		if !bytes.Equal(got[i], packets[i]) {
			t.Errorf("packet %d differs", i)
		}
	}
}

func TestSplitPackets_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"truncated header": {0x00},
		"zero length":      {0x00, 0x00},
		"overlong":         {0x00, 0x05, 1, 2},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := SplitPackets(data); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}
