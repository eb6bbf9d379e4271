package media

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/pion/rtp"
	"github.com/pixelbender/go-sdp/sdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pcmu    = &sdp.Format{Payload: 0, Name: "PCMU", ClockRate: 8000}
	pcma    = &sdp.Format{Payload: 8, Name: "PCMA", ClockRate: 8000}
	g729    = &sdp.Format{Payload: 18, Name: "G729", ClockRate: 8000}
	opus    = &sdp.Format{Payload: 111, Name: "opus", ClockRate: 48000, Channels: 2}
	dtmf    = &sdp.Format{Payload: 101, Name: "telephone-event", ClockRate: 8000, Params: []string{"0-16"}}
	testFmt = &sdp.Format{Payload: 96, Name: "x-test", ClockRate: 8000}

	errUseAfterClose = errors.New("test decoder used after close")
)

// testDecoder turns every byte into one sample. "bad" fails to decode,
// "lost" reports a desync.
type testDecoder struct {
	closed atomic.Bool
}

func (d *testDecoder) Decode(payload []byte) ([]int16, error) {
	if d.closed.Load() {
		return nil, errUseAfterClose
	}
	switch string(payload) {
	case "bad":
		return nil, codec.ErrMalformed
	case "lost":
		return nil, codec.ErrDesync
	}
	pcm := make([]int16, len(payload))
	for i, b := range payload {
		pcm[i] = int16(b) << 4
	}
	return pcm, nil
}

func (d *testDecoder) SampleRate() int { return 8000 }
func (d *testDecoder) Close() error    { d.closed.Store(true); return nil }

func init() {
	codec.Register(&codec.Implementation{
		Name: "x-test",
		NewDecoder: func(*sdp.Format) (codec.Decoder, error) {
			return &testDecoder{}, nil
		},
	})
}

func rtpPacket(pt uint8, seq uint16, ts uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x11223344,
		},
		Payload: payload,
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func streams(t *testing.T, recv, sink []*sdp.Format) (*Stream, *Stream) {
	r := NewStream(codec.MediaTypeAudio)
	s := NewStream(codec.MediaTypeAudio)
	r.SetCodecs(recv)
	s.SetCodecs(sink)
	require.NoError(t, Rebuild(r, s))
	return r, s
}

func lookup(t *testing.T, s *Stream, pt uint8) *Handler {
	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	h, ok := sn.Lookup(pt)
	require.True(t, ok, "no handler for %d", pt)
	return h
}

func unmarshal(t *testing.T, b *packet.Buffer) *rtp.Packet {
	p := &rtp.Packet{}
	require.NoError(t, p.Unmarshal(b.Bytes()))
	return p
}

func TestPassthroughDispatch(t *testing.T) {
	recv, _ := streams(t,
		[]*sdp.Format{{Payload: 97, Name: "L16", ClockRate: 8000}},
		[]*sdp.Format{{Payload: 98, Name: "L16", ClockRate: 8000}})

	h := lookup(t, recv, 97)
	assert.Equal(t, Passthrough, h.Kind())
	assert.Equal(t, uint8(98), h.Sink().Payload)

	payload := pattern(320)
	out := packet.NewQueue()
	n, err := recv.Dispatch(rtpPacket(97, 10, 1000, payload), out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, out.Len())

	buf := out.Pop()
	p := unmarshal(t, buf)
	assert.Equal(t, payload, p.Payload)
	assert.Equal(t, uint8(98), p.PayloadType)
	assert.Equal(t, uint16(10), p.SequenceNumber)
	assert.Equal(t, uint32(1000), p.Timestamp)
	assert.Equal(t, uint32(0x11223344), p.SSRC)
	buf.Release()

	st := recv.Stats()
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, uint64(1), st.Produced)
}

func TestPassthroughSameNumber(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu, pcma}, []*sdp.Format{pcma, pcmu})
	out := packet.NewQueue()
	payload := pattern(160)
	_, err := recv.Dispatch(rtpPacket(8, 1, 160, payload), out)
	require.NoError(t, err)
	p := unmarshal(t, out.Pop())
	assert.Equal(t, uint8(8), p.PayloadType)
	assert.Equal(t, payload, p.Payload)
}

func TestUnknownPayloadType(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcmu})
	out := packet.NewQueue()
	n, err := recv.Dispatch(rtpPacket(9, 1, 0, pattern(160)), out)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
	assert.Equal(t, uint64(1), recv.Stats().UnknownPayload)

	// the stream keeps working
	_, err = recv.Dispatch(rtpPacket(0, 2, 160, pattern(160)), out)
	assert.NoError(t, err)
	out.ReleaseAll()
}

func TestTranscodeUlawToAlaw(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcma})
	h := lookup(t, recv, 0)
	assert.Equal(t, Transcode, h.Kind())
	assert.Equal(t, "PCMA", h.Sink().Name)

	payload := pattern(160)
	dec, err := codec.NewDecoder(pcmu)
	require.NoError(t, err)
	enc, err := codec.NewEncoder(pcma)
	require.NoError(t, err)
	pcm, err := dec.Decode(payload)
	require.NoError(t, err)
	want, err := enc.Encode(pcm)
	require.NoError(t, err)

	out := packet.NewQueue()
	n, err := recv.Dispatch(rtpPacket(0, 500, 8000, payload), out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	p := unmarshal(t, out.Pop())
	assert.Equal(t, uint8(8), p.PayloadType)
	assert.Equal(t, uint16(500), p.SequenceNumber)
	assert.Equal(t, uint32(8000), p.Timestamp)
	assert.Equal(t, want, p.Payload)
}

func TestTranscodeAggregation(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcma})
	out := packet.NewQueue()

	// 10 ms in, 20 ms out: the first half is buffered
	n, err := recv.Dispatch(rtpPacket(0, 1, 0, pattern(80)), out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())

	n, err = recv.Dispatch(rtpPacket(0, 2, 80, pattern(80)), out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 60 ms in, three packets out
	n, err = recv.Dispatch(rtpPacket(0, 3, 160, pattern(480)), out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 4, out.Len())

	var seqs []uint16
	var stamps []uint32
	out.Drain(func(b *packet.Buffer) {
		p := unmarshal(t, b)
		assert.Len(t, p.Payload, 160)
		seqs = append(seqs, p.SequenceNumber)
		stamps = append(stamps, p.Timestamp)
		b.Release()
	})
	assert.Equal(t, []uint16{1, 2, 3, 4}, seqs)
	assert.Equal(t, []uint32{0, 160, 320, 480}, stamps)
}

func TestTranscodePacketTime(t *testing.T) {
	recv := NewStream(codec.MediaTypeAudio)
	sink := NewStream(codec.MediaTypeAudio)
	sink.SetPacketTime(30)
	recv.SetCodecs([]*sdp.Format{pcmu})
	sink.SetCodecs([]*sdp.Format{pcma})
	require.NoError(t, Rebuild(recv, sink))

	out := packet.NewQueue()
	n, err := recv.Dispatch(rtpPacket(0, 1, 0, pattern(480)), out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, out.Pop().Bytes(), 12+240)
	out.ReleaseAll()
}

func TestRebuildReusesHandlers(t *testing.T) {
	l16 := &sdp.Format{Payload: 97, Name: "L16", ClockRate: 8000}
	recv, sink := streams(t, []*sdp.Format{pcmu, pcma}, []*sdp.Format{pcmu, l16})

	h0 := lookup(t, recv, 0)
	h8 := lookup(t, recv, 8)
	assert.Equal(t, Passthrough, h0.Kind())
	assert.Equal(t, Transcode, h8.Kind())
	assert.Equal(t, "PCMU", h8.Sink().Name)

	// unchanged peer: same instances, codec state kept
	require.NoError(t, Rebuild(recv, sink))
	assert.Same(t, h0, lookup(t, recv, 0))
	assert.Same(t, h8, lookup(t, recv, 8))
	assert.False(t, h8.Closed())

	// peer now prefers L16: only the PCMA handler changes
	sink.SetCodecs([]*sdp.Format{l16, pcmu})
	require.NoError(t, Rebuild(recv, sink))
	assert.Same(t, h0, lookup(t, recv, 0))
	n8 := lookup(t, recv, 8)
	assert.NotSame(t, h8, n8)
	assert.Equal(t, "L16", n8.Sink().Name)
	assert.True(t, h8.Closed())
	assert.False(t, h0.Closed())
	assert.Equal(t, uint64(3), recv.Stats().Rebuilds)
}

func TestRebuildFailureKeepsTable(t *testing.T) {
	recv, sink := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcma})
	h0 := lookup(t, recv, 0)

	recv.SetCodecs([]*sdp.Format{pcmu, g729})
	err := Rebuild(recv, sink)
	assert.True(t, errors.Is(err, codec.ErrNoImplementation))

	sn, err := recv.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0}, sn.PayloadTypes())
	sn.Release()
	assert.Same(t, h0, lookup(t, recv, 0))
	assert.False(t, h0.Closed())

	// a later close still frees it exactly once
	require.NoError(t, recv.Close())
	assert.True(t, h0.Closed())
}

func TestNoTranscodePath(t *testing.T) {
	recv := NewStream(codec.MediaTypeAudio)
	sink := NewStream(codec.MediaTypeAudio)
	recv.SetCodecs([]*sdp.Format{pcmu})
	sink.SetCodecs([]*sdp.Format{opus, dtmf})
	assert.True(t, errors.Is(Rebuild(recv, sink), ErrNoTranscodePath))

	sink.SetCodecs(nil)
	assert.True(t, errors.Is(Rebuild(recv, sink), ErrNoTranscodePath))
}

func TestDuplicatePayloadType(t *testing.T) {
	recv := NewStream(codec.MediaTypeAudio)
	sink := NewStream(codec.MediaTypeAudio)
	recv.SetCodecs([]*sdp.Format{pcmu, {Payload: 0, Name: "PCMA", ClockRate: 8000}})
	sink.SetCodecs([]*sdp.Format{pcmu})
	assert.True(t, errors.Is(Rebuild(recv, sink), ErrDuplicatePayloadType))
}

func TestSupplementaryDiscard(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu, dtmf}, []*sdp.Format{pcmu})
	h := lookup(t, recv, 101)
	assert.Equal(t, Transcode, h.Kind())
	assert.Nil(t, h.Sink())

	out := packet.NewQueue()
	n, err := recv.Dispatch(rtpPacket(101, 1, 0, []byte{1, 0, 0, 160}), out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())

	// with the sink carrying events they pass through
	recv2, _ := streams(t, []*sdp.Format{pcmu, dtmf}, []*sdp.Format{pcmu, dtmf})
	assert.Equal(t, Passthrough, lookup(t, recv2, 101).Kind())
}

func TestDecodeErrorAndResync(t *testing.T) {
	recv, sink := streams(t, []*sdp.Format{testFmt}, []*sdp.Format{pcmu})
	h := lookup(t, recv, 96)
	out := packet.NewQueue()

	_, err := recv.Dispatch(rtpPacket(96, 1, 0, []byte("bad")), out)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, codec.ErrMalformed))
	assert.False(t, h.NeedsResync())
	assert.False(t, recv.NeedsResync())

	_, err = recv.Dispatch(rtpPacket(96, 2, 0, []byte("lost")), out)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, h.NeedsResync())
	assert.True(t, recv.NeedsResync())
	assert.Equal(t, uint64(2), h.DecodeErrors())
	assert.Equal(t, uint64(2), recv.Stats().DecodeErrors)
	assert.Zero(t, out.Len())

	require.NoError(t, Rebuild(recv, sink))
	fresh := lookup(t, recv, 96)
	assert.NotSame(t, h, fresh)
	assert.False(t, recv.NeedsResync())
	assert.True(t, h.Closed())
}

func TestHandlerRejectsForeignPayloadType(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcmu})
	sn, err := recv.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	h, ok := sn.Lookup(0)
	require.True(t, ok)

	out := packet.NewQueue()
	_, err = h.Dispatch(rtpPacket(8, 1, 0, pattern(160)), out)
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.Zero(t, out.Len())
}

func TestSnapshotDefersRelease(t *testing.T) {
	recv, sink := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcma})
	sn, err := recv.Snapshot()
	require.NoError(t, err)
	old, ok := sn.Lookup(0)
	require.True(t, ok)

	sink.SetCodecs([]*sdp.Format{{Payload: 97, Name: "L16", ClockRate: 8000}})
	require.NoError(t, Rebuild(recv, sink))
	assert.False(t, old.Closed(), "handler freed while a reader holds its table")

	out := packet.NewQueue()
	n, err := old.Dispatch(rtpPacket(0, 1, 0, pattern(160)), out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out.ReleaseAll()

	sn.Release()
	assert.True(t, old.Closed())
	sn.Release()
}

func TestCloseStream(t *testing.T) {
	recv, sink := streams(t, []*sdp.Format{pcmu, pcma}, []*sdp.Format{pcma})
	h0 := lookup(t, recv, 0)
	h8 := lookup(t, recv, 8)

	require.NoError(t, recv.Close())
	assert.True(t, recv.Closed())
	assert.True(t, h0.Closed())
	assert.True(t, h8.Closed())
	assert.True(t, errors.Is(recv.Close(), ErrStreamClosed))

	out := packet.NewQueue()
	_, err := recv.Dispatch(rtpPacket(0, 1, 0, pattern(160)), out)
	assert.True(t, errors.Is(err, ErrStreamClosed))
	_, err = recv.Snapshot()
	assert.True(t, errors.Is(err, ErrStreamClosed))
	assert.True(t, errors.Is(Rebuild(recv, sink), ErrStreamClosed))
}

func TestHandleRTP(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{pcmu}, []*sdp.Format{pcmu})
	out := packet.NewQueue()

	raw, err := rtpPacket(0, 7, 1234, pattern(160)).Marshal()
	require.NoError(t, err)
	n, err := recv.HandleRTP(raw, out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, raw, out.Pop().Bytes())

	_, err = recv.HandleRTP([]byte{0x80}, out)
	assert.True(t, errors.Is(err, ErrMalformedPacket))
	assert.Equal(t, uint64(1), recv.Stats().Malformed)
}

func equalPTs(a, b []uint8) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConcurrentDispatchAndRebuild(t *testing.T) {
	setA := []*sdp.Format{pcmu, pcma}
	setB := []*sdp.Format{pcmu, testFmt}
	recv, sink := streams(t, setA, []*sdp.Format{pcmu})

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
		stop     = make(chan struct{})
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := packet.NewQueue()
			payload := pattern(160)
			for seq := 0; ; seq++ {
				select {
				case <-stop:
					return
				default:
				}
				sn, err := recv.Snapshot()
				if err != nil {
					failures.Add(1)
					return
				}
				keys := sn.PayloadTypes()
				sn.Release()
				if !equalPTs(keys, []uint8{0, 8}) && !equalPTs(keys, []uint8{0, 96}) {
					failures.Add(1)
				}
				for _, pt := range []uint8{0, 8, 96} {
					_, err := recv.Dispatch(rtpPacket(pt, uint16(seq), uint32(seq*160), payload), out)
					if errors.Is(err, ErrHandlerClosed) || errors.Is(err, errUseAfterClose) {
						failures.Add(1)
					}
				}
				out.ReleaseAll()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			recv.SetCodecs(setB)
		} else {
			recv.SetCodecs(setA)
		}
		require.NoError(t, Rebuild(recv, sink))
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, failures.Load())
}

func TestCloseDuringDispatch(t *testing.T) {
	recv, _ := streams(t, []*sdp.Format{testFmt, pcmu}, []*sdp.Format{pcma})

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := packet.NewQueue()
			for seq := 0; seq < 2000; seq++ {
				_, err := recv.Dispatch(rtpPacket(96, uint16(seq), 0, pattern(160)), out)
				out.ReleaseAll()
				if errors.Is(err, ErrStreamClosed) {
					return
				}
				if err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	require.NoError(t, recv.Close())
	wg.Wait()
	assert.Zero(t, failures.Load())
}
