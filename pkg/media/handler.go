package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/pion/rtp"
	"github.com/pixelbender/go-sdp/sdp"
	"github.com/tevino/abool"
)

type Kind int

const (
	// Passthrough forwards the payload unchanged under the sink's number for
	// the same codec.
	Passthrough Kind = iota
	// Transcode decodes the payload and re-encodes it for the sink.
	Transcode
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case Transcode:
		return "transcode"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handler converts packets of one payload type of a receiving stream into
// packets for the sink stream. A handler may be shared by consecutive table
// versions; its codec state lives until the last of them is released.
type Handler struct {
	payloadType uint8
	kind        Kind
	source      *sdp.Format
	// nil for a transcode handler that discards its input
	sink *sdp.Format

	refs         atomic.Int32
	closed       *abool.AtomicBool
	desync       *abool.AtomicBool
	decodeErrors atomic.Uint64
	pool         *packet.Pool

	// serialises dispatch; the transcoder is sequence dependent
	mu sync.Mutex
	tc *transcoder
}

func newPassthrough(source, sink *sdp.Format) *Handler {
	return newHandler(Passthrough, source, sink, nil)
}

func newHandler(kind Kind, source, sink *sdp.Format, tc *transcoder) *Handler {
	h := &Handler{
		payloadType: source.Payload,
		kind:        kind,
		source:      codec.Clone(source),
		sink:        codec.Clone(sink),
		closed:      abool.New(),
		desync:      abool.New(),
		pool:        packet.DefaultPool,
		tc:          tc,
	}
	h.refs.Store(1)
	return h
}

func (h *Handler) PayloadType() uint8 {
	return h.payloadType
}

func (h *Handler) Kind() Kind {
	return h.kind
}

// Source is the receiver's codec this handler accepts.
func (h *Handler) Source() *sdp.Format {
	return codec.Clone(h.source)
}

// Sink is the codec produced, nil when the input is discarded.
func (h *Handler) Sink() *sdp.Format {
	return codec.Clone(h.sink)
}

func (h *Handler) DecodeErrors() uint64 {
	return h.decodeErrors.Load()
}

// NeedsResync reports that the decoder lost sync and the handler must not be
// reused by the next rebuild.
func (h *Handler) NeedsResync() bool {
	return h.desync.IsSet()
}

func (h *Handler) Closed() bool {
	return h.closed.IsSet()
}

func (h *Handler) String() string {
	if h.sink == nil {
		return fmt.Sprintf("%s %s -> discard", h.kind, codec.String(h.source))
	}
	return fmt.Sprintf("%s %s -> %s", h.kind, codec.String(h.source), codec.String(h.sink))
}

func sameEntry(a, b *sdp.Format) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Payload == b.Payload && codec.Equal(a, b)
}

// matches reports whether h implements exactly this pairing.
func (h *Handler) matches(kind Kind, source, sink *sdp.Format) bool {
	return h.kind == kind && sameEntry(h.source, source) && sameEntry(h.sink, sink)
}

func (h *Handler) ref() {
	h.refs.Add(1)
}

func (h *Handler) unref() {
	if h.refs.Add(-1) != 0 {
		return
	}
	h.closed.Set()
	if h.tc != nil {
		h.mu.Lock()
		h.tc.close()
		h.mu.Unlock()
	}
}

// Dispatch converts one packet and appends the results to out. It returns the
// number of buffers appended; zero with a nil error means the input was
// consumed without output.
func (h *Handler) Dispatch(pkt *rtp.Packet, out *packet.Queue) (int, error) {
	if h.closed.IsSet() {
		return 0, ErrHandlerClosed
	}
	if pkt.PayloadType != h.payloadType {
		return 0, fmt.Errorf("payload type %d on handler for %d: %w", pkt.PayloadType, h.payloadType, ErrUnsupported)
	}
	switch h.kind {
	case Passthrough:
		return h.passthrough(pkt, out)
	case Transcode:
		h.mu.Lock()
		defer h.mu.Unlock()
		n, err := h.tc.transcode(pkt, h.sink, h.pool, out)
		if err != nil && errors.Is(err, ErrDecode) {
			h.decodeErrors.Add(1)
			if errors.Is(err, codec.ErrDesync) {
				h.desync.Set()
			}
		}
		return n, err
	}
	return 0, fmt.Errorf("handler kind %s: %w", h.kind, ErrUnsupported)
}

func marshalInto(pool *packet.Pool, hdr *rtp.Header, payload []byte) (*packet.Buffer, error) {
	hdr.Padding = false
	size := hdr.MarshalSize() + len(payload)
	buf := pool.Get(size)
	n, err := hdr.MarshalTo(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, err
	}
	copy(buf.Bytes()[n:], payload)
	return buf, nil
}

func (h *Handler) passthrough(pkt *rtp.Packet, out *packet.Queue) (int, error) {
	hdr := pkt.Header
	hdr.PayloadType = h.sink.Payload
	buf, err := marshalInto(h.pool, &hdr, pkt.Payload)
	if err != nil {
		return 0, fmt.Errorf("passthrough %s: %v: %w", codec.String(h.source), err, ErrDecode)
	}
	out.Push(buf)
	return 1, nil
}
