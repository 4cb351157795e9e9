// Package opus decodes framed Opus chunks into PCM16LE using libopus through
// gopus. It is kept apart from package audio so that only binaries which
// accept Opus input need libopus at link time.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// maxPacketMs is the longest duration a single Opus packet can carry.
const maxPacketMs = 120

// Decoder decodes length-prefixed Opus packets for one mono stream. It keeps
// decoder state across calls and must not be shared between sessions.
type Decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewDecoder creates a mono decoder at sampleRate. Opus supports 8, 12, 16,
// 24 and 48 kHz.
func NewDecoder(sampleRate int) (audio.Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder at %d Hz: %w", sampleRate, err)
	}
	return &Decoder{dec: dec, frameSize: sampleRate * maxPacketMs / 1000}, nil
}

// Decode splits data into packets and decodes each one in order.
func (d *Decoder) Decode(data []byte) ([]byte, error) {
	packets, err := audio.SplitPackets(data)
	if err != nil {
		return nil, err
	}
	var out []byte
	for i, p := range packets {
		pcm, err := d.dec.Decode(p, d.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("%w: opus packet %d: %v", audio.ErrMalformed, i, err)
		}
		out = append(out, audio.Int16sToBytes(pcm)...)
	}
	return out, nil
}

var _ audio.DecoderFactory = NewDecoder
