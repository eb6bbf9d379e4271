package media

import (
	"fmt"
	"sync"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/pion/rtp"
	"github.com/pixelbender/go-sdp/sdp"
)

// outputClock is the sequence number and timestamp of the next packet a
// stream's transcoders emit. It is shared by all transcode handlers of the
// stream so a sender switching payload types does not restart numbering.
type outputClock struct {
	mu      sync.Mutex
	started bool
	seq     uint16
	ts      uint32
}

// start seeds the clock from the first packet transcoded on the stream.
func (c *outputClock) start(seq uint16, ts uint32) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.seq = seq
		c.ts = ts
	}
	c.mu.Unlock()
}

func (c *outputClock) next(step uint32) (uint16, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ts := c.seq, c.ts
	c.seq++
	c.ts += step
	return seq, ts
}

// transcoder is the codec state of a Transcode handler: decoder, resampler
// and the PCM not yet encoded. A transcoder without decoder discards
// everything.
type transcoder struct {
	dec        codec.Decoder
	enc        codec.Encoder
	resampler  *codec.Resampler
	pending    []int16
	packetTime int
	sinkClock  int
	clock      *outputClock
}

func newTranscoder(source, sink *sdp.Format, packetTime int, out *outputClock) (*transcoder, error) {
	dec, err := codec.NewDecoder(source)
	if err != nil {
		return nil, err
	}
	enc, err := codec.NewEncoder(sink)
	if err != nil {
		dec.Close()
		return nil, err
	}
	clock := codec.Normalize(sink).ClockRate
	if clock <= 0 {
		clock = enc.SampleRate()
	}
	return &transcoder{
		dec:        dec,
		enc:        enc,
		packetTime: packetTime,
		sinkClock:  clock,
		clock:      out,
	}, nil
}

func (t *transcoder) frameSamples() int {
	return t.enc.SampleRate() * t.packetTime / 1000
}

func (t *transcoder) transcode(pkt *rtp.Packet, sink *sdp.Format, pool *packet.Pool, out *packet.Queue) (int, error) {
	if t.dec == nil {
		return 0, nil
	}
	pcm, err := t.dec.Decode(pkt.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if rate := t.dec.SampleRate(); t.resampler == nil || t.resampler.InputRate() != rate {
		t.resampler = codec.NewResampler(rate, t.enc.SampleRate())
	}
	t.pending = append(t.pending, t.resampler.Resample(pcm)...)

	t.clock.start(pkt.SequenceNumber, pkt.Timestamp)

	frame := t.frameSamples()
	if frame <= 0 {
		return 0, fmt.Errorf("frame size %d: %w", frame, ErrUnsupported)
	}
	step := uint32(frame * t.sinkClock / t.enc.SampleRate())

	n := 0
	consumed := 0
	for len(t.pending)-consumed >= frame {
		payload, err := t.enc.Encode(t.pending[consumed : consumed+frame])
		if err != nil {
			t.compact(consumed)
			return n, fmt.Errorf("%w: encode %s: %v", ErrDecode, codec.String(sink), err)
		}
		consumed += frame
		seq, ts := t.clock.next(step)
		hdr := rtp.Header{
			Version:        2,
			Marker:         pkt.Marker && n == 0,
			PayloadType:    sink.Payload,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           pkt.SSRC,
		}
		buf, err := marshalInto(pool, &hdr, payload)
		if err != nil {
			t.compact(consumed)
			return n, fmt.Errorf("%w: marshal: %v", ErrDecode, err)
		}
		out.Push(buf)
		n++
	}
	t.compact(consumed)
	return n, nil
}

// compact drops consumed samples so pending does not grow without bound.
func (t *transcoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	rest := len(t.pending) - consumed
	copy(t.pending, t.pending[consumed:])
	t.pending = t.pending[:rest]
}

func (t *transcoder) close() {
	if t.dec != nil {
		t.dec.Close()
	}
	if t.enc != nil {
		t.enc.Close()
	}
	t.pending = nil
}
