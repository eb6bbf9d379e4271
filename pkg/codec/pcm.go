package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pixelbender/go-sdp/sdp"
	"github.com/zaf/g711"
)

func bytesToPCM(order binary.ByteOrder, b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(order.Uint16(b[i*2:]))
	}
	return pcm
}

func pcmToBytes(order binary.ByteOrder, pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		order.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// g711Codec covers both laws; the zaf/g711 helpers work on little endian
// linear PCM.
type g711Codec struct {
	decode func([]byte) []byte
	encode func([]byte) []byte
}

func (c *g711Codec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("g711: empty payload: %w", ErrMalformed)
	}
	return bytesToPCM(binary.LittleEndian, c.decode(payload)), nil
}

func (c *g711Codec) Encode(pcm []int16) ([]byte, error) {
	return c.encode(pcmToBytes(binary.LittleEndian, pcm)), nil
}

func (c *g711Codec) SampleRate() int { return 8000 }
func (c *g711Codec) Close() error    { return nil }

func newUlawDecoder(*sdp.Format) (Decoder, error) {
	return &g711Codec{decode: g711.DecodeUlaw, encode: g711.EncodeUlaw}, nil
}

func newUlawEncoder(*sdp.Format) (Encoder, error) {
	return &g711Codec{decode: g711.DecodeUlaw, encode: g711.EncodeUlaw}, nil
}

func newAlawDecoder(*sdp.Format) (Decoder, error) {
	return &g711Codec{decode: g711.DecodeAlaw, encode: g711.EncodeAlaw}, nil
}

func newAlawEncoder(*sdp.Format) (Encoder, error) {
	return &g711Codec{decode: g711.DecodeAlaw, encode: g711.EncodeAlaw}, nil
}

// l16Codec is RFC 3551 linear PCM, network byte order, mono only.
type l16Codec struct {
	rate int
}

func newL16(f *sdp.Format) (*l16Codec, error) {
	if f.Channels > 1 {
		return nil, fmt.Errorf("L16 with %d channels: %w", f.Channels, ErrNoImplementation)
	}
	rate := f.ClockRate
	if rate <= 0 {
		rate = 44100
	}
	return &l16Codec{rate: rate}, nil
}

func newL16Decoder(f *sdp.Format) (Decoder, error) { return newL16(f) }
func newL16Encoder(f *sdp.Format) (Encoder, error) { return newL16(f) }

func (c *l16Codec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil, fmt.Errorf("L16: payload length %d: %w", len(payload), ErrMalformed)
	}
	return bytesToPCM(binary.BigEndian, payload), nil
}

func (c *l16Codec) Encode(pcm []int16) ([]byte, error) {
	return pcmToBytes(binary.BigEndian, pcm), nil
}

func (c *l16Codec) SampleRate() int { return c.rate }
func (c *l16Codec) Close() error    { return nil }
