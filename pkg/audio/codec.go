// Package audio implements the chunk codec: it turns the transport encoding of
// an audio chunk (base64 text carrying PCM16LE or framed Opus) back into the
// raw 16-bit little-endian mono samples the engines consume.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DefaultSampleRate is the rate sessions are created with unless configured
// otherwise.
const DefaultSampleRate = 16000

// Encoding names the sample format carried inside the base64 transport layer.
type Encoding string

const (
	// EncodingPCM16LE is raw 16-bit signed little-endian mono PCM.
	EncodingPCM16LE Encoding = "pcm16le"

	// EncodingOpus is a sequence of Opus packets, each prefixed with its
	// length as a big-endian uint16.
	EncodingOpus Encoding = "opus"
)

var (
	// ErrMalformed is returned for payloads that cannot be decoded.
	ErrMalformed = errors.New("audio: malformed payload")

	// ErrSampleRateMismatch is returned when a chunk declares a sample rate
	// other than the session's.
	ErrSampleRateMismatch = errors.New("audio: sample rate mismatch")

	// ErrUnsupportedEncoding is returned for encodings without a decoder.
	ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")
)

// ParseEncoding maps a wire name to an Encoding. The empty string selects
// EncodingPCM16LE.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingPCM16LE, "pcm", "pcm16":
		return EncodingPCM16LE, nil
	case EncodingOpus:
		return EncodingOpus, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
}

// DecodeTransport strips the base64 transport encoding. Both padded and
// unpadded standard alphabets are accepted.
func DecodeTransport(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	b, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return b, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
}

// EncodeTransport is the inverse of DecodeTransport.
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// CheckSampleRate validates a declared chunk rate against the session rate.
// A declared rate of zero means "unspecified" and always passes.
func CheckSampleRate(declared, want int) error {
	if declared == 0 || declared == want {
		return nil
	}
	if declared < 0 {
		return fmt.Errorf("%w: negative sample rate %d", ErrMalformed, declared)
	}
	return fmt.Errorf("%w: chunk declares %d Hz, session expects %d Hz", ErrSampleRateMismatch, declared, want)
}

// Decoder turns the bytes under the transport layer into PCM16LE samples.
// Decoders may be stateful (Opus); create one per session and do not share it
// across goroutines.
type Decoder interface {
	Decode(data []byte) ([]byte, error)
}

// DecoderFactory builds a Decoder for mono audio at sampleRate.
type DecoderFactory func(sampleRate int) (Decoder, error)

// PCM16Decoder validates PCM16LE sample alignment and passes data through.
type PCM16Decoder struct{}

// Decode returns data unchanged if it holds a whole number of samples.
func (PCM16Decoder) Decode(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d for 16-bit PCM", ErrMalformed, len(data))
	}
	return data, nil
}

// NewPCM16Decoder is the DecoderFactory for EncodingPCM16LE.
func NewPCM16Decoder(int) (Decoder, error) { return PCM16Decoder{}, nil }

// SplitPackets parses the length-prefixed framing used by EncodingOpus.
func SplitPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated packet header", ErrMalformed)
		}
		n := int(data[0])<<8 | int(data[1])
		data = data[2:]
		if n == 0 || n > len(data) {
			return nil, fmt.Errorf("%w: packet length %d exceeds remaining %d bytes", ErrMalformed, n, len(data))
		}
		packets = append(packets, data[:n])
		data = data[n:]
	}
	return packets, nil
}

// JoinPackets is the inverse of SplitPackets.
func JoinPackets(packets [][]byte) []byte {
	size := 0
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range packets {
		out = append(out, byte(len(p)>>8), byte(len(p)))
		out = append(out, p...)
	}
	return out
}
