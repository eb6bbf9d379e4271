// Package codec describes codecs the relay knows about: identity of an SDP
// codec entry independent of its payload type number, the static RTP payload
// table, and the decoder/encoder implementations used for transcoding.
package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pixelbender/go-sdp/sdp"
)

type MediaType string

const (
	MediaTypeAudio       MediaType = "audio"
	MediaTypeVideo       MediaType = "video"
	MediaTypeApplication MediaType = "application"
	MediaTypeUnknown     MediaType = ""
)

func (t MediaType) String() string {
	return string(t)
}

// Payload type number space (7 bit RTP field); 96-127 is assigned by the relay.
const (
	MaxPayloadType     = 127
	DynamicPayloadMin  = 96
	DynamicPayloadMax  = 127
	DefaultPacketTime  = 20
	telephoneEventName = "telephone-event"
	comfortNoiseName   = "cn"
)

type staticEntry struct {
	name      string
	clockRate int
	channels  int
	media     MediaType
}

// RFC 3551 static assignments.
var staticTable = map[uint8]staticEntry{
	0:  {"PCMU", 8000, 1, MediaTypeAudio},
	3:  {"GSM", 8000, 1, MediaTypeAudio},
	4:  {"G723", 8000, 1, MediaTypeAudio},
	5:  {"DVI4", 8000, 1, MediaTypeAudio},
	6:  {"DVI4", 16000, 1, MediaTypeAudio},
	7:  {"LPC", 8000, 1, MediaTypeAudio},
	8:  {"PCMA", 8000, 1, MediaTypeAudio},
	9:  {"G722", 8000, 1, MediaTypeAudio},
	10: {"L16", 44100, 2, MediaTypeAudio},
	11: {"L16", 44100, 1, MediaTypeAudio},
	12: {"QCELP", 8000, 1, MediaTypeAudio},
	13: {"CN", 8000, 1, MediaTypeAudio},
	14: {"MPA", 90000, 1, MediaTypeAudio},
	15: {"G728", 8000, 1, MediaTypeAudio},
	16: {"DVI4", 11025, 1, MediaTypeAudio},
	17: {"DVI4", 22050, 1, MediaTypeAudio},
	18: {"G729", 8000, 1, MediaTypeAudio},
	25: {"CelB", 90000, 0, MediaTypeVideo},
	26: {"JPEG", 90000, 0, MediaTypeVideo},
	28: {"nv", 90000, 0, MediaTypeVideo},
	31: {"H261", 90000, 0, MediaTypeVideo},
	32: {"MPV", 90000, 0, MediaTypeVideo},
	33: {"MP2T", 90000, 0, MediaTypeVideo},
	34: {"H263", 90000, 0, MediaTypeVideo},
}

var mediaByName = map[string]MediaType{
	"opus":            MediaTypeAudio,
	"g7221":           MediaTypeAudio,
	"amr":             MediaTypeAudio,
	"amr-wb":          MediaTypeAudio,
	"speex":           MediaTypeAudio,
	"ilbc":            MediaTypeAudio,
	"telephone-event": MediaTypeAudio,
	"red":             MediaTypeAudio,
	"h264":            MediaTypeVideo,
	"h265":            MediaTypeVideo,
	"vp8":             MediaTypeVideo,
	"vp9":             MediaTypeVideo,
	"av1":             MediaTypeVideo,
	"h263-1998":       MediaTypeVideo,
	"ulpfec":          MediaTypeVideo,
	"rtx":             MediaTypeVideo,
}

func init() {
	for _, e := range staticTable {
		mediaByName[strings.ToLower(e.name)] = e.media
	}
}

// StaticFormat returns the RFC 3551 definition of a static payload type.
func StaticFormat(pt uint8) (*sdp.Format, bool) {
	e, ok := staticTable[pt]
	if !ok {
		return nil, false
	}
	return &sdp.Format{Payload: pt, Name: e.name, ClockRate: e.clockRate, Channels: e.channels}, true
}

// IsDynamic reports whether pt lies in the relay-assignable range.
func IsDynamic(pt uint8) bool {
	return pt >= DynamicPayloadMin && pt <= DynamicPayloadMax
}

// Clone returns a deep copy of f.
func Clone(f *sdp.Format) *sdp.Format {
	if f == nil {
		return nil
	}
	c := *f
	if f.Params != nil {
		c.Params = append([]string(nil), f.Params...)
	}
	if f.Feedback != nil {
		c.Feedback = append([]string(nil), f.Feedback...)
	}
	return &c
}

// Normalize returns a copy of f with a missing rtpmap filled in from the
// static table.
func Normalize(f *sdp.Format) *sdp.Format {
	c := Clone(f)
	if c.Name == "" {
		if e, ok := staticTable[c.Payload]; ok {
			c.Name = e.name
			c.ClockRate = e.clockRate
			if c.Channels == 0 {
				c.Channels = e.channels
			}
		}
	}
	return c
}

func normalizedParams(params []string) []string {
	var res []string
	for _, p := range params {
		for _, kv := range strings.Split(p, ";") {
			kv = strings.TrimSpace(kv)
			if kv != "" {
				res = append(res, kv)
			}
		}
	}
	sort.Strings(res)
	return res
}

// Key is the identity of a codec: name, clock rate, channels and format
// parameters. Two entries with different payload type numbers but the same
// key describe the same codec.
func Key(f *sdp.Format) string {
	n := Normalize(f)
	channels := n.Channels
	if channels == 0 {
		channels = 1
	}
	var sb strings.Builder
	sb.WriteString(strings.ToLower(n.Name))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(n.ClockRate))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(channels))
	for _, p := range normalizedParams(n.Params) {
		sb.WriteByte(';')
		sb.WriteString(p)
	}
	return sb.String()
}

// Equal compares codec identity, ignoring payload type numbers.
func Equal(a, b *sdp.Format) bool {
	if a == nil || b == nil {
		return a == b
	}
	return Key(a) == Key(b)
}

// MediaTypeOf guesses the media type from the encoding name.
func MediaTypeOf(f *sdp.Format) MediaType {
	n := Normalize(f)
	if t, ok := mediaByName[strings.ToLower(n.Name)]; ok {
		return t
	}
	return MediaTypeUnknown
}

// IsSupplementary reports codecs that carry side information rather than
// media (DTMF events, comfort noise). They are never transcode targets.
func IsSupplementary(f *sdp.Format) bool {
	name := strings.ToLower(Normalize(f).Name)
	return name == telephoneEventName || name == comfortNoiseName
}

// PacketTime returns the ptime fmtp parameter in milliseconds, or
// DefaultPacketTime.
func PacketTime(f *sdp.Format) int {
	for _, p := range normalizedParams(f.Params) {
		if v := strings.TrimPrefix(p, "ptime="); v != p {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				return ms
			}
		}
	}
	return DefaultPacketTime
}

func String(f *sdp.Format) string {
	if f == nil {
		return "<nil>"
	}
	n := Normalize(f)
	return fmt.Sprintf("%s/%d pt %d", n.Name, n.ClockRate, n.Payload)
}

// Describe joins String of every entry, for log lines.
func Describe(formats []*sdp.Format) string {
	parts := make([]string, 0, len(formats))
	for _, f := range formats {
		parts = append(parts, String(f))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
