package media

import (
	"bytes"
	"fmt"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/pixelbender/go-sdp/sdp"
)

// Pair picks the handler kind and sink codec for one receiver codec. A nil
// sink with Transcode means the input is discarded.
func Pair(mediaType codec.MediaType, source *sdp.Format, sinks []*sdp.Format) (Kind, *sdp.Format, error) {
	for _, s := range sinks {
		if codec.Equal(source, s) {
			return Passthrough, s, nil
		}
	}
	if codec.IsSupplementary(source) {
		return Transcode, nil, nil
	}
	if !codec.CanDecode(source) {
		return Transcode, nil, fmt.Errorf("decode %s: %w", codec.String(source), codec.ErrNoImplementation)
	}
	for _, s := range sinks {
		if codec.IsSupplementary(s) || !codec.CanEncode(s) {
			continue
		}
		if t := codec.MediaTypeOf(s); t != codec.MediaTypeUnknown && mediaType != codec.MediaTypeUnknown && t != mediaType {
			continue
		}
		return Transcode, s, nil
	}
	return Transcode, nil, fmt.Errorf("%s: %w", codec.String(source), ErrNoTranscodePath)
}

// Rebuild recomputes the receiver's handler table against the sink's codec
// set and publishes it. Handlers whose pairing did not change are carried
// over with their codec state. On error nothing is published and the
// previous table stays in place.
func Rebuild(receiver, sink *Stream) error {
	receiver.updateMu.Lock()
	defer receiver.updateMu.Unlock()

	if receiver.closed.IsSet() {
		return ErrStreamClosed
	}
	handlers, reused, err := receiver.build(receiver.Codecs(), sink.Codecs(), sink.PacketTime())
	if err != nil {
		receiver.logger.Warnf("handler rebuild failed: %v", err)
		return err
	}
	receiver.commit(handlers, reused, sink)
	return nil
}

// Update installs a new codec set on both streams of a call leg pair and
// rebuilds both handler tables against each other. Either both streams take
// the new codec sets and tables or, on error, neither changes.
func Update(a *Stream, aCodecs []*sdp.Format, b *Stream, bCodecs []*sdp.Format) error {
	if a == b {
		return fmt.Errorf("update stream %s against itself: %w", a.ID(), ErrUnsupported)
	}
	first, second := a, b
	if bytes.Compare(a.id[:], b.id[:]) > 0 {
		first, second = b, a
	}
	first.updateMu.Lock()
	defer first.updateMu.Unlock()
	second.updateMu.Lock()
	defer second.updateMu.Unlock()

	if a.closed.IsSet() || b.closed.IsSet() {
		return ErrStreamClosed
	}
	aCodecs, bCodecs = normalizeAll(aCodecs), normalizeAll(bCodecs)

	aHandlers, aReused, err := a.build(aCodecs, bCodecs, b.PacketTime())
	if err != nil {
		a.logger.Warnf("handler update failed: %v", err)
		return err
	}
	bHandlers, bReused, err := b.build(bCodecs, aCodecs, a.PacketTime())
	if err != nil {
		for _, h := range aHandlers {
			h.unref()
		}
		b.logger.Warnf("handler update failed: %v", err)
		return err
	}

	a.setCodecs(aCodecs)
	b.setCodecs(bCodecs)
	a.commit(aHandlers, aReused, b)
	b.commit(bHandlers, bReused, a)
	return nil
}

// build pairs every source codec against sinks. On error every handler
// built so far is released and the published table is left alone. The
// caller holds updateMu.
func (s *Stream) build(sources, sinks []*sdp.Format, packetTime int) (map[uint8]*Handler, int, error) {
	old := s.table.Load()
	handlers := make(map[uint8]*Handler, len(sources))
	fail := func(err error) (map[uint8]*Handler, int, error) {
		for _, h := range handlers {
			h.unref()
		}
		return nil, 0, err
	}

	reused := 0
	for _, source := range sources {
		if _, dup := handlers[source.Payload]; dup {
			return fail(fmt.Errorf("payload type %d: %w", source.Payload, ErrDuplicatePayloadType))
		}
		kind, target, err := Pair(s.mediaType, source, sinks)
		if err != nil {
			return fail(err)
		}

		if old != nil {
			if h, ok := old.handlers[source.Payload]; ok && h.matches(kind, source, target) && !h.NeedsResync() {
				h.ref()
				handlers[source.Payload] = h
				reused++
				continue
			}
		}

		var h *Handler
		switch {
		case kind == Passthrough:
			h = newPassthrough(source, target)
		case target == nil:
			h = newHandler(Transcode, source, nil, &transcoder{})
		default:
			tc, err := newTranscoder(source, target, packetTime, s.clock)
			if err != nil {
				return fail(fmt.Errorf("transcoder %s -> %s: %w", codec.String(source), codec.String(target), err))
			}
			h = newHandler(Transcode, source, target, tc)
		}
		handlers[source.Payload] = h
	}
	return handlers, reused, nil
}

// commit publishes handlers as the stream's table. The caller holds updateMu.
func (s *Stream) commit(handlers map[uint8]*Handler, reused int, sink *Stream) {
	s.publish(newTable(handlers))
	s.resync.UnSet()
	s.stats.rebuilds.Add(1)
	s.logger.Infof("handler table rebuilt: %d handlers, %d reused, sink %s", len(handlers), reused, sink.ID())
	for _, h := range handlers {
		s.logger.Debugf("pt %d: %s", h.PayloadType(), h)
	}
}
