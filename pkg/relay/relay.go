// Package relay pairs media streams of two call legs and keeps their handler
// tables in line with the offer/answer exchange.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/config"
	"github.com/cloudwebrtc/go-media-relay/pkg/media"
	"github.com/cloudwebrtc/go-media-relay/pkg/negotiate"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/tevino/abool"
)

var (
	ErrEngineClosed = errors.New("relay: engine closed")
	ErrBridgeClosed = errors.New("relay: bridge closed")
)

var logger log.Logger

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Relay", nil)
}

// Leg names one side of a bridge.
type Leg int

const (
	LegA Leg = iota
	LegB
)

func (l Leg) String() string {
	switch l {
	case LegA:
		return "A"
	case LegB:
		return "B"
	}
	return fmt.Sprintf("leg(%d)", int(l))
}

// Other is the opposite leg.
func (l Leg) Other() Leg {
	if l == LegA {
		return LegB
	}
	return LegA
}

func (l Leg) valid() bool {
	return l == LegA || l == LegB
}

// Engine owns the bridges of a relay instance.
type Engine struct {
	negotiator *negotiate.Negotiator
	packetTime int

	mu      sync.RWMutex
	bridges map[uuid.UUID]*Bridge
	closed  *abool.AtomicBool
	logger  log.Logger
}

func NewEngine(cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		negotiator: cfg.Negotiator(),
		packetTime: cfg.PacketTime(),
		bridges:    make(map[uuid.UUID]*Bridge),
		closed:     abool.New(),
		logger:     logger,
	}
	e.logger.Infof("engine started: strip %d entries, transcode %s, ptime %d",
		e.negotiator.Strip().Len(), codec.Describe(e.negotiator.Transcode()), e.packetTime)
	return e
}

func (e *Engine) Negotiator() *negotiate.Negotiator {
	return e.negotiator
}

// NewBridge creates a bridge with one stream per leg.
func (e *Engine) NewBridge(mediaType codec.MediaType) (*Bridge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.IsSet() {
		return nil, ErrEngineClosed
	}
	b := &Bridge{
		id:        uuid.New(),
		mediaType: mediaType,
		engine:    e,
		closed:    abool.New(),
	}
	for _, leg := range []Leg{LegA, LegB} {
		s := media.NewStream(mediaType)
		s.SetPacketTime(e.packetTime)
		b.streams[leg] = s
	}
	b.logger = e.logger.WithFields(log.Fields{
		"bridge": b.id.String(),
		"media":  mediaType.String(),
	})
	e.bridges[b.id] = b
	b.logger.Infof("bridge created: A %s, B %s", b.streams[LegA].ID(), b.streams[LegB].ID())
	return b, nil
}

func (e *Engine) Bridge(id uuid.UUID) (*Bridge, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bridges[id]
	return b, ok
}

// Bridges lists the open bridges ordered by id.
func (e *Engine) Bridges() []*Bridge {
	e.mu.RLock()
	res := make([]*Bridge, 0, len(e.bridges))
	for _, b := range e.bridges {
		res = append(res, b)
	}
	e.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].id.String() < res[j].id.String() })
	return res
}

// Stream finds a stream of any bridge by id.
func (e *Engine) Stream(id uuid.UUID) (*media.Stream, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.bridges {
		for _, s := range b.streams {
			if s.ID() == id {
				return s, true
			}
		}
	}
	return nil, false
}

func (e *Engine) remove(id uuid.UUID) {
	e.mu.Lock()
	delete(e.bridges, id)
	e.mu.Unlock()
}

// Close tears down every bridge. Later calls return ErrEngineClosed.
func (e *Engine) Close() error {
	if !e.closed.SetToIf(false, true) {
		return ErrEngineClosed
	}
	var errs []error
	for _, b := range e.Bridges() {
		if err := b.Close(); err != nil && !errors.Is(err, ErrBridgeClosed) {
			errs = append(errs, err)
		}
	}
	e.logger.Infof("engine closed")
	return errors.Join(errs...)
}
