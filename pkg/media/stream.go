package media

import (
	"sync"
	"sync/atomic"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/pixelbender/go-sdp/sdp"
	"github.com/tevino/abool"
)

// Stats are the per-stream diagnostic counters.
type Stats struct {
	Packets        uint64
	Produced       uint64
	Dropped        uint64
	UnknownPayload uint64
	DecodeErrors   uint64
	Unsupported    uint64
	Malformed      uint64
	Rebuilds       uint64
}

type counters struct {
	packets        atomic.Uint64
	produced       atomic.Uint64
	dropped        atomic.Uint64
	unknownPayload atomic.Uint64
	decodeErrors   atomic.Uint64
	unsupported    atomic.Uint64
	malformed      atomic.Uint64
	rebuilds       atomic.Uint64
}

// Stream is one direction of one call leg. Its codec set is owned by the
// signalling layer; its handler table by Rebuild and Close.
type Stream struct {
	id         uuid.UUID
	mediaType  codec.MediaType
	packetTime int

	mu     sync.RWMutex
	codecs []*sdp.Format

	// serialises Rebuild and Close
	updateMu sync.Mutex
	table    atomic.Pointer[table]
	closed   *abool.AtomicBool
	resync   *abool.AtomicBool
	// numbers packets the stream's transcoders produce
	clock *outputClock

	stats  counters
	logger log.Logger
}

// NewStream creates a stream with an empty published table.
func NewStream(mediaType codec.MediaType) *Stream {
	s := &Stream{
		id:         uuid.New(),
		mediaType:  mediaType,
		packetTime: codec.DefaultPacketTime,
		closed:     abool.New(),
		resync:     abool.New(),
		clock:      &outputClock{},
	}
	s.logger = logger.WithFields(log.Fields{
		"stream": s.id.String(),
		"media":  mediaType.String(),
	})
	s.table.Store(newTable(nil))
	return s
}

func (s *Stream) ID() uuid.UUID {
	return s.id
}

func (s *Stream) MediaType() codec.MediaType {
	return s.mediaType
}

func (s *Stream) Log() log.Logger {
	return s.logger
}

// PacketTime is the packetisation interval, in milliseconds, of audio
// produced by transcoding into this stream.
func (s *Stream) PacketTime() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetTime
}

func (s *Stream) SetPacketTime(ms int) {
	if ms <= 0 {
		ms = codec.DefaultPacketTime
	}
	s.mu.Lock()
	s.packetTime = ms
	s.mu.Unlock()
}

// Codecs returns a copy of the stream's negotiated codec set, in preference
// order.
func (s *Stream) Codecs() []*sdp.Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*sdp.Format, 0, len(s.codecs))
	for _, f := range s.codecs {
		res = append(res, codec.Clone(f))
	}
	return res
}

// SetCodecs replaces the codec set. The handler table follows on the next
// Rebuild.
func (s *Stream) SetCodecs(formats []*sdp.Format) {
	s.setCodecs(normalizeAll(formats))
}

func (s *Stream) setCodecs(formats []*sdp.Format) {
	s.mu.Lock()
	s.codecs = formats
	s.mu.Unlock()
	s.logger.Debugf("codecs set to %s", codec.Describe(formats))
}

func normalizeAll(formats []*sdp.Format) []*sdp.Format {
	res := make([]*sdp.Format, 0, len(formats))
	for _, f := range formats {
		res = append(res, codec.Normalize(f))
	}
	return res
}

// NeedsResync reports that a decoder lost sync since the last Rebuild.
func (s *Stream) NeedsResync() bool {
	return s.resync.IsSet()
}

func (s *Stream) Closed() bool {
	return s.closed.IsSet()
}

func (s *Stream) Stats() Stats {
	return Stats{
		Packets:        s.stats.packets.Load(),
		Produced:       s.stats.produced.Load(),
		Dropped:        s.stats.dropped.Load(),
		UnknownPayload: s.stats.unknownPayload.Load(),
		DecodeErrors:   s.stats.decodeErrors.Load(),
		Unsupported:    s.stats.unsupported.Load(),
		Malformed:      s.stats.malformed.Load(),
		Rebuilds:       s.stats.rebuilds.Load(),
	}
}

// acquire takes a reference on the published table, or returns nil once the
// stream is closed.
func (s *Stream) acquire() *table {
	for {
		t := s.table.Load()
		if t == nil {
			return nil
		}
		if t.tryAcquire() {
			return t
		}
		// t was retired between Load and tryAcquire; the pointer has
		// already moved on.
	}
}

// publish swaps in t and drops the owner reference of the previous table.
// The caller holds updateMu.
func (s *Stream) publish(t *table) {
	if old := s.table.Swap(t); old != nil {
		old.release()
	}
}

// Snapshot captures the published table. The caller must Release it.
func (s *Stream) Snapshot() (*Snapshot, error) {
	t := s.acquire()
	if t == nil {
		return nil, ErrStreamClosed
	}
	return &Snapshot{t: t, released: abool.New()}, nil
}

// Close releases the handler table and all codec state. Dispatches already
// running finish against the table they captured.
func (s *Stream) Close() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if !s.closed.SetToIf(false, true) {
		return ErrStreamClosed
	}
	s.publish(nil)
	s.logger.Debugf("stream closed")
	return nil
}
