// Package sdputil converts between session descriptions and the codec lists
// media streams are configured with.
package sdputil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	pionsdp "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pixelbender/go-sdp/sdp"
)

var (
	ErrNoMedia = errors.New("sdputil: no such media section")
)

// ParseFormats parses an SDP body and returns the codec list of every media
// section, keyed by media type. When a type appears more than once the first
// section wins.
func ParseFormats(text []byte) (map[string][]*sdp.Format, error) {
	sess, err := sdp.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return Formats(sess), nil
}

// Formats extracts normalized codec lists from a parsed session.
func Formats(sess *sdp.Session) map[string][]*sdp.Format {
	res := make(map[string][]*sdp.Format)
	for _, m := range sess.Media {
		if _, ok := res[m.Type]; ok {
			continue
		}
		formats := make([]*sdp.Format, 0, len(m.Format))
		for _, f := range m.Format {
			formats = append(formats, codec.Normalize(f))
		}
		res[m.Type] = formats
	}
	return res
}

// RewriteFormats replaces the format list of the first media section of the
// given type, so that the description advertises the negotiated codecs.
func RewriteFormats(sess *sdp.Session, mediaType string, formats []*sdp.Format) error {
	for _, m := range sess.Media {
		if m.Type != mediaType {
			continue
		}
		m.Format = make([]*sdp.Format, 0, len(formats))
		for _, f := range formats {
			m.Format = append(m.Format, codec.Normalize(f))
		}
		return nil
	}
	return fmt.Errorf("%s: %w", mediaType, ErrNoMedia)
}

// FromPion extracts codec lists from a pion session description. Payload
// types without rtpmap fall back to the static table.
func FromPion(sd *pionsdp.SessionDescription) map[string][]*sdp.Format {
	res := make(map[string][]*sdp.Format)
	for _, md := range sd.MediaDescriptions {
		mediaType := md.MediaName.Media
		if _, ok := res[mediaType]; ok {
			continue
		}
		var formats []*sdp.Format
		for _, s := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(s, 10, 8)
			if err != nil || pt > codec.MaxPayloadType {
				continue
			}
			if c, err := sd.GetCodecForPayloadType(uint8(pt)); err == nil && c.Name != "" {
				formats = append(formats, fromPionCodec(c))
				continue
			}
			if f, ok := codec.StaticFormat(uint8(pt)); ok {
				formats = append(formats, f)
			}
		}
		res[mediaType] = formats
	}
	return res
}

func fromPionCodec(c pionsdp.Codec) *sdp.Format {
	f := &sdp.Format{
		Payload:   c.PayloadType,
		Name:      c.Name,
		ClockRate: int(c.ClockRate),
		Feedback:  c.RTCPFeedback,
	}
	if ch, err := strconv.Atoi(c.EncodingParameters); err == nil {
		f.Channels = ch
	}
	if c.Fmtp != "" {
		f.Params = []string{c.Fmtp}
	}
	return f
}

// FromWebRTC converts the codec parameters of a WebRTC transceiver.
func FromWebRTC(params []webrtc.RTPCodecParameters) []*sdp.Format {
	res := make([]*sdp.Format, 0, len(params))
	for _, p := range params {
		name := p.MimeType
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		f := &sdp.Format{
			Payload:   uint8(p.PayloadType),
			Name:      name,
			ClockRate: int(p.ClockRate),
			Channels:  int(p.Channels),
		}
		if p.SDPFmtpLine != "" {
			f.Params = []string{p.SDPFmtpLine}
		}
		for _, fb := range p.RTCPFeedback {
			f.Feedback = append(f.Feedback, strings.TrimSpace(fb.Type+" "+fb.Parameter))
		}
		res = append(res, f)
	}
	return res
}

// ToWebRTC converts a codec list for registration with a webrtc.MediaEngine.
func ToWebRTC(mediaType codec.MediaType, formats []*sdp.Format) []webrtc.RTPCodecParameters {
	res := make([]webrtc.RTPCodecParameters, 0, len(formats))
	for _, f := range formats {
		n := codec.Normalize(f)
		p := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    mediaType.String() + "/" + n.Name,
				ClockRate:   uint32(n.ClockRate),
				Channels:    uint16(n.Channels),
				SDPFmtpLine: strings.Join(n.Params, ";"),
			},
			PayloadType: webrtc.PayloadType(n.Payload),
		}
		for _, fb := range n.Feedback {
			typ, param, _ := strings.Cut(fb, " ")
			p.RTCPFeedback = append(p.RTCPFeedback, webrtc.RTCPFeedback{Type: typ, Parameter: param})
		}
		res = append(res, p)
	}
	return res
}
