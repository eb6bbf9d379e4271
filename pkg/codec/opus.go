package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/opus"
	"github.com/pixelbender/go-sdp/sdp"
)

const (
	// 120 ms at 48 kHz, the longest Opus packet.
	opusMaxSamples = 5760
	// the decoder writes every SILK sample this many times
	opusRepeat = 3
)

// opusDecoder wraps the pure Go SILK decoder. The decoder keeps inter-frame
// state, so one instance must only see packets of one stream. There is no
// Opus encoder in the stack; opus is never a transcode target.
type opusDecoder struct {
	dec  opus.Decoder
	out  []byte
	rate int
}

func newOpusDecoder(*sdp.Format) (Decoder, error) {
	return &opusDecoder{
		dec:  opus.NewDecoder(),
		out:  make([]byte, opusMaxSamples*2),
		rate: 48000,
	}, nil
}

// opusDuration returns the duration of one packet in microseconds from its
// TOC byte (RFC 6716 section 3.1).
func opusDuration(packet []byte) (int, error) {
	if len(packet) == 0 {
		return 0, fmt.Errorf("opus: empty packet: %w", ErrMalformed)
	}
	toc := packet[0]
	config := int(toc >> 3)
	var frame int
	switch {
	case config < 12:
		frame = []int{10000, 20000, 40000, 60000}[config%4]
	case config < 16:
		frame = []int{10000, 20000}[config%2]
	default:
		frame = []int{2500, 5000, 10000, 20000}[config%4]
	}
	frames := 1
	switch toc & 0x3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0, fmt.Errorf("opus: missing frame count: %w", ErrMalformed)
		}
		frames = int(packet[1] & 0x3f)
		if frames == 0 {
			return 0, fmt.Errorf("opus: zero frame count: %w", ErrMalformed)
		}
	}
	return frame * frames, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	duration, err := opusDuration(payload)
	if err != nil {
		return nil, err
	}
	bandwidth, _, err := d.dec.Decode(payload, d.out)
	if err != nil {
		return nil, fmt.Errorf("opus: %v: %w", err, ErrMalformed)
	}
	d.rate = bandwidth.SampleRate()
	samples := d.rate * duration / 1000000
	if limit := len(d.out) / (2 * opusRepeat); samples > limit {
		samples = limit
	}
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(d.out[i*2*opusRepeat:]))
	}
	return pcm, nil
}

// SampleRate is the rate of the last decoded packet.
func (d *opusDecoder) SampleRate() int { return d.rate }
func (d *opusDecoder) Close() error    { return nil }
