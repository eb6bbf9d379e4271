// Package negotiate computes the ordered payload type list a media stream
// advertises, from the offer, the peer stream's codecs and the administrative
// strip and transcode policy.
package negotiate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/pixelbender/go-sdp/sdp"
)

var (
	ErrPayloadTypeCollision  = errors.New("negotiate: payload type number used by two codecs")
	ErrInvalidPayloadType    = errors.New("negotiate: payload type out of range")
	ErrDynamicRangeExhausted = errors.New("negotiate: no free dynamic payload type")
	ErrNoCodecs              = errors.New("negotiate: no codec left to advertise")
)

var logger log.Logger

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Negotiate", nil)
}

// StripSet holds administratively disabled codecs, by payload type number or
// by encoding name. The zero value and nil are empty sets.
type StripSet struct {
	types map[uint8]struct{}
	names map[string]struct{}
}

func NewStripSet() *StripSet {
	return &StripSet{
		types: make(map[uint8]struct{}),
		names: make(map[string]struct{}),
	}
}

func (s *StripSet) AddPayloadType(pt uint8) *StripSet {
	if s.types == nil {
		s.types = make(map[uint8]struct{})
	}
	s.types[pt] = struct{}{}
	return s
}

func (s *StripSet) AddName(name string) *StripSet {
	if s.names == nil {
		s.names = make(map[string]struct{})
	}
	s.names[strings.ToLower(name)] = struct{}{}
	return s
}

func (s *StripSet) HasPayloadType(pt uint8) bool {
	if s == nil {
		return false
	}
	_, ok := s.types[pt]
	return ok
}

// Contains reports whether f is stripped by number or by name.
func (s *StripSet) Contains(f *sdp.Format) bool {
	if s == nil {
		return false
	}
	if s.HasPayloadType(f.Payload) {
		return true
	}
	return s.hasName(f)
}

func (s *StripSet) hasName(f *sdp.Format) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[strings.ToLower(codec.Normalize(f).Name)]
	return ok
}

// stripsTranscode is Contains for transcode entries, whose dynamic numbers
// are placeholders and never match a stripped number.
func (s *StripSet) stripsTranscode(f *sdp.Format) bool {
	if codec.IsDynamic(f.Payload) {
		return s.hasName(f)
	}
	return s.Contains(f)
}

func (s *StripSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.types) + len(s.names)
}

// Input is one negotiation request.
type Input struct {
	// Offer in the offering endpoint's preference order.
	Offer []*sdp.Format
	// Peer holds the codecs the other stream can currently use.
	Peer []*sdp.Format
	// Strip may be nil.
	Strip *StripSet
	// Transcode lists codecs the relay must be able to produce, in order.
	Transcode []*sdp.Format
}

func validate(formats []*sdp.Format, what string) error {
	for _, f := range formats {
		if f == nil {
			return fmt.Errorf("%s: nil entry: %w", what, ErrInvalidPayloadType)
		}
		if f.Payload > codec.MaxPayloadType {
			return fmt.Errorf("%s: payload type %d: %w", what, f.Payload, ErrInvalidPayloadType)
		}
	}
	return nil
}

// Negotiate returns the ordered codec list for one stream. Offer entries
// keep their numbers and order; transcode entries the peer cannot take as
// passthrough and the offer does not already carry are appended with numbers
// from the dynamic range. The result depends only on the input, so repeating
// a negotiation yields the same numbering.
func Negotiate(in Input) ([]*sdp.Format, error) {
	if err := validate(in.Offer, "offer"); err != nil {
		return nil, err
	}
	if err := validate(in.Transcode, "transcode"); err != nil {
		return nil, err
	}

	used := make(map[uint8]bool)
	byNumber := make(map[uint8]string)
	for _, f := range in.Offer {
		key := codec.Key(f)
		if prev, ok := byNumber[f.Payload]; ok && prev != key {
			return nil, fmt.Errorf("payload type %d is both %s and %s: %w", f.Payload, prev, key, ErrPayloadTypeCollision)
		}
		byNumber[f.Payload] = key
		used[f.Payload] = true
	}
	if in.Strip != nil {
		for pt := range in.Strip.types {
			used[pt] = true
		}
	}

	peer := make(map[string]bool, len(in.Peer))
	for _, f := range in.Peer {
		peer[codec.Key(f)] = true
	}

	var result []*sdp.Format
	seen := make(map[string]bool)

	for _, f := range in.Offer {
		if in.Strip.Contains(f) {
			continue
		}
		key := codec.Key(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, codec.Normalize(f))
	}

	next := uint8(codec.DynamicPayloadMin)
	for _, f := range in.Transcode {
		if in.Strip.stripsTranscode(f) {
			continue
		}
		key := codec.Key(f)
		if seen[key] || peer[key] {
			continue
		}
		for next <= codec.DynamicPayloadMax && used[next] {
			next++
		}
		if next > codec.DynamicPayloadMax {
			return nil, fmt.Errorf("synthesize %s: %w", codec.String(f), ErrDynamicRangeExhausted)
		}
		entry := codec.Normalize(f)
		entry.Payload = next
		used[next] = true
		seen[key] = true
		result = append(result, entry)
	}

	if len(result) == 0 {
		return nil, ErrNoCodecs
	}
	return result, nil
}

// Negotiator applies a fixed strip and transcode policy.
type Negotiator struct {
	strip     *StripSet
	transcode []*sdp.Format
}

func NewNegotiator(strip *StripSet, transcode []*sdp.Format) *Negotiator {
	return &Negotiator{strip: strip, transcode: transcode}
}

func (n *Negotiator) Strip() *StripSet {
	return n.strip
}

func (n *Negotiator) Transcode() []*sdp.Format {
	return n.transcode
}

// Negotiate runs Negotiate with the configured policy.
func (n *Negotiator) Negotiate(offer, peer []*sdp.Format) ([]*sdp.Format, error) {
	res, err := Negotiate(Input{
		Offer:     offer,
		Peer:      peer,
		Strip:     n.strip,
		Transcode: n.transcode,
	})
	if err != nil {
		logger.Warnf("negotiation failed: offer %s, peer %s: %v", codec.Describe(offer), codec.Describe(peer), err)
		return nil, err
	}
	logger.Debugf("negotiated %s from offer %s, peer %s", codec.Describe(res), codec.Describe(offer), codec.Describe(peer))
	return res, nil
}
