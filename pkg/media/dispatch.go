package media

import (
	"errors"
	"fmt"

	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/pion/rtp"
)

// Dispatch runs the handler for pkt's payload type against the table
// published when the call starts. Errors other than ErrStreamClosed only
// concern this packet.
func (s *Stream) Dispatch(pkt *rtp.Packet, out *packet.Queue) (int, error) {
	s.stats.packets.Add(1)
	t := s.acquire()
	if t == nil {
		s.stats.dropped.Add(1)
		return 0, ErrStreamClosed
	}
	defer t.release()

	h, ok := t.handlers[pkt.PayloadType]
	if !ok {
		s.stats.unknownPayload.Add(1)
		s.stats.dropped.Add(1)
		s.logger.Tracef("no handler for payload type %d", pkt.PayloadType)
		return 0, fmt.Errorf("payload type %d: %w", pkt.PayloadType, ErrNotFound)
	}

	n, err := h.Dispatch(pkt, out)
	s.stats.produced.Add(uint64(n))
	switch {
	case err == nil:
	case errors.Is(err, ErrDecode):
		s.stats.decodeErrors.Add(1)
		s.stats.dropped.Add(1)
		if h.NeedsResync() {
			s.resync.Set()
		}
		s.logger.Debugf("pt %d: %v", pkt.PayloadType, err)
	case errors.Is(err, ErrUnsupported):
		s.stats.unsupported.Add(1)
		s.stats.dropped.Add(1)
		s.logger.Errorf("pt %d: handler %s rejected packet, negotiation mismatch: %v", pkt.PayloadType, h, err)
	default:
		s.stats.dropped.Add(1)
		s.logger.Warnf("pt %d: %v", pkt.PayloadType, err)
	}
	return n, err
}

// HandleRTP parses a raw RTP packet and dispatches it. The payload is not
// copied; handlers copy what they keep.
func (s *Stream) HandleRTP(raw []byte, out *packet.Queue) (int, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		s.stats.malformed.Add(1)
		s.stats.dropped.Add(1)
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return s.Dispatch(pkt, out)
}
