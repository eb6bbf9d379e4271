package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/media"
	"github.com/cloudwebrtc/go-media-relay/pkg/negotiate"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/pixelbender/go-sdp/sdp"
	"github.com/tevino/abool"
)

// Bridge relays one media type between two legs. streams[leg] receives the
// packets sent by that leg and carries the codecs that leg uses.
type Bridge struct {
	id        uuid.UUID
	mediaType codec.MediaType
	engine    *Engine
	streams   [2]*media.Stream

	// serialises offer, answer and close
	mu     sync.Mutex
	closed *abool.AtomicBool
	logger log.Logger
}

func (b *Bridge) ID() uuid.UUID {
	return b.id
}

func (b *Bridge) MediaType() codec.MediaType {
	return b.mediaType
}

// Stream returns the stream receiving from leg.
func (b *Bridge) Stream(leg Leg) *media.Stream {
	if !leg.valid() {
		return nil
	}
	return b.streams[leg]
}

func (b *Bridge) Closed() bool {
	return b.closed.IsSet()
}

// uniqueNumbers drops stripped entries and repeated payload type numbers.
func uniqueNumbers(formats []*sdp.Format, strip *negotiate.StripSet) []*sdp.Format {
	seen := make(map[uint8]bool, len(formats))
	res := make([]*sdp.Format, 0, len(formats))
	for _, f := range formats {
		if f == nil || strip.Contains(f) || seen[f.Payload] {
			continue
		}
		seen[f.Payload] = true
		res = append(res, codec.Normalize(f))
	}
	return res
}

// reachable keeps the entries that can be relayed into sinks, either as
// passthrough or through a transcoder. Supplementary codecs only survive as
// passthrough.
func reachable(mediaType codec.MediaType, formats, sinks []*sdp.Format) []*sdp.Format {
	res := make([]*sdp.Format, 0, len(formats))
	for _, f := range formats {
		_, target, err := media.Pair(mediaType, f, sinks)
		if err != nil || target == nil {
			continue
		}
		res = append(res, f)
	}
	return res
}

// Offer handles an offer sent by leg from. It returns the codec list to
// offer to the other leg: the offer minus stripped codecs, plus the
// transcode targets the relay can convert back into the offerer's codecs.
func (b *Bridge) Offer(from Leg, offer []*sdp.Format) ([]*sdp.Format, error) {
	if !from.valid() {
		return nil, fmt.Errorf("offer from %s: invalid leg", from)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.IsSet() {
		return nil, ErrBridgeClosed
	}

	n := b.engine.negotiator

	// peer is the offerer's own set, not what the other leg last answered
	own := uniqueNumbers(offer, n.Strip())
	res, err := n.Negotiate(offer, own)
	if err != nil {
		b.logger.Warnf("offer from %s rejected: %v", from, err)
		return nil, err
	}
	res = reachable(b.mediaType, res, own)
	if len(res) == 0 {
		return nil, negotiate.ErrNoCodecs
	}

	if err := b.update(from, own, res); err != nil {
		return nil, err
	}
	b.logger.Infof("offer from %s %s -> %s %s", from, codec.Describe(own), from.Other(), codec.Describe(res))
	return res, nil
}

// Answer handles the answer sent by leg from to an earlier Offer from the
// other leg. It returns the codec list to answer the offerer with: its
// codecs that can be relayed into the answer.
func (b *Bridge) Answer(from Leg, answer []*sdp.Format) ([]*sdp.Format, error) {
	if !from.valid() {
		return nil, fmt.Errorf("answer from %s: invalid leg", from)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.IsSet() {
		return nil, ErrBridgeClosed
	}

	other := b.streams[from.Other()]
	for _, f := range answer {
		if f != nil && f.Payload > codec.MaxPayloadType {
			return nil, fmt.Errorf("answer: payload type %d: %w", f.Payload, negotiate.ErrInvalidPayloadType)
		}
	}
	answered := uniqueNumbers(answer, nil)
	if len(answered) == 0 {
		return nil, negotiate.ErrNoCodecs
	}
	accepted := reachable(b.mediaType, other.Codecs(), answered)
	if len(accepted) == 0 {
		b.logger.Warnf("answer from %s %s leaves no codec for %s", from, codec.Describe(answered), from.Other())
		return nil, negotiate.ErrNoCodecs
	}

	if err := b.update(from, answered, accepted); err != nil {
		return nil, err
	}
	b.logger.Infof("answer from %s %s, %s keeps %s", from, codec.Describe(answered), from.Other(), codec.Describe(accepted))
	return accepted, nil
}

// update sets the codecs of leg from's stream and of the other leg's stream
// and rebuilds both tables. On error neither stream changes.
func (b *Bridge) update(from Leg, codecs, otherCodecs []*sdp.Format) error {
	if err := media.Update(b.streams[from], codecs, b.streams[from.Other()], otherCodecs); err != nil {
		b.logger.Warnf("update %s/%s: %v", from, from.Other(), err)
		return fmt.Errorf("update %s/%s: %w", from, from.Other(), err)
	}
	return nil
}

// Close closes both streams and removes the bridge from its engine.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed.SetToIf(false, true) {
		return ErrBridgeClosed
	}
	var errs []error
	for _, s := range b.streams {
		if err := s.Close(); err != nil && !errors.Is(err, media.ErrStreamClosed) {
			errs = append(errs, err)
		}
	}
	b.engine.remove(b.id)
	b.logger.Infof("bridge closed")
	return errors.Join(errs...)
}
