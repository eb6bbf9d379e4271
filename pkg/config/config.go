package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/negotiate"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/pixelbender/go-sdp/sdp"
	ini "gopkg.in/ini.v1"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530
)

// Config holds the relay configuration loaded from an ini file.
type Config struct {
	logLevel      log.Level
	logFile       string
	logMaxSize    int
	logMaxBackups int

	strip      *negotiate.StripSet
	transcode  []*sdp.Format
	packetTime int

	bind    string
	portMin int
	portMax int
}

// Default returns the configuration of an empty file.
func Default() *Config {
	c, _ := load(ini.Empty())
	return c
}

// Load reads configuration from a file name or raw []byte.
func Load(source interface{}) (*Config, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return load(f)
}

func load(f *ini.File) (*Config, error) {
	c := &Config{}
	var err error

	sec := f.Section("log")
	if c.logLevel, err = utils.ParseLevel(sec.Key("level").MustString("info")); err != nil {
		return nil, fmt.Errorf("[log] level: %w", err)
	}
	c.logFile = sec.Key("file").String()
	c.logMaxSize = sec.Key("max_size").MustInt(100)
	c.logMaxBackups = sec.Key("max_backups").MustInt(3)

	sec = f.Section("codecs")
	c.strip = negotiate.NewStripSet()
	for _, s := range sec.Key("strip").Strings(",") {
		if pt, err := strconv.Atoi(s); err == nil {
			if pt < 0 || pt > codec.MaxPayloadType {
				return nil, fmt.Errorf("[codecs] strip: payload type %d out of range", pt)
			}
			c.strip.AddPayloadType(uint8(pt))
			continue
		}
		c.strip.AddName(s)
	}
	for _, s := range sec.Key("transcode").Strings(",") {
		format, err := ParseCodec(s)
		if err != nil {
			return nil, fmt.Errorf("[codecs] transcode: %w", err)
		}
		c.transcode = append(c.transcode, format)
	}
	c.packetTime = sec.Key("ptime").MustInt(codec.DefaultPacketTime)
	if c.packetTime <= 0 {
		return nil, fmt.Errorf("[codecs] ptime must be positive, got %d", c.packetTime)
	}

	sec = f.Section("rtp")
	c.bind = sec.Key("bind").MustString("0.0.0.0")
	c.portMin = sec.Key("port_min").MustInt(DefaultPortMin)
	c.portMax = sec.Key("port_max").MustInt(DefaultPortMax)
	if c.portMin > c.portMax {
		return nil, fmt.Errorf("[rtp] port_min %d above port_max %d", c.portMin, c.portMax)
	}

	return c, nil
}

// ParseCodec reads a codec entry written as a static payload type ("8"), a
// static codec name ("PCMA") or name/clock[/channels] ("opus/48000/2").
// Entries parsed from a name carry no payload type of their own beyond the
// static one.
func ParseCodec(s string) (*sdp.Format, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty codec")
	}
	if pt, err := strconv.Atoi(s); err == nil {
		if pt < 0 || pt > codec.MaxPayloadType {
			return nil, fmt.Errorf("codec %q: payload type out of range", s)
		}
		f, ok := codec.StaticFormat(uint8(pt))
		if !ok {
			return nil, fmt.Errorf("codec %q: not a static payload type", s)
		}
		return f, nil
	}

	parts := strings.Split(s, "/")
	if len(parts) == 1 {
		for pt := 0; pt < int(codec.DynamicPayloadMin); pt++ {
			if f, ok := codec.StaticFormat(uint8(pt)); ok && strings.EqualFold(f.Name, s) {
				return f, nil
			}
		}
		return nil, fmt.Errorf("codec %q: clock rate required", s)
	}
	if len(parts) > 3 {
		return nil, fmt.Errorf("codec %q: too many fields", s)
	}
	f := &sdp.Format{Name: parts[0]}
	clock, err := strconv.Atoi(parts[1])
	if err != nil || clock <= 0 {
		return nil, fmt.Errorf("codec %q: bad clock rate", s)
	}
	f.ClockRate = clock
	if len(parts) == 3 {
		ch, err := strconv.Atoi(parts[2])
		if err != nil || ch <= 0 {
			return nil, fmt.Errorf("codec %q: bad channel count", s)
		}
		f.Channels = ch
	}
	// reuse the static number when the entry is exactly a static codec
	for pt := 0; pt < int(codec.DynamicPayloadMin); pt++ {
		if sf, ok := codec.StaticFormat(uint8(pt)); ok && codec.Equal(sf, f) {
			return sf, nil
		}
	}
	f.Payload = codec.DynamicPayloadMin
	return f, nil
}

func (c *Config) LogLevel() log.Level { return c.logLevel }
func (c *Config) LogFile() string     { return c.logFile }
func (c *Config) LogMaxSize() int     { return c.logMaxSize }
func (c *Config) LogMaxBackups() int  { return c.logMaxBackups }

func (c *Config) Strip() *negotiate.StripSet { return c.strip }
func (c *Config) PacketTime() int            { return c.packetTime }

// Transcode returns a copy of the transcode list.
func (c *Config) Transcode() []*sdp.Format {
	res := make([]*sdp.Format, 0, len(c.transcode))
	for _, f := range c.transcode {
		res = append(res, codec.Clone(f))
	}
	return res
}

func (c *Config) Bind() string { return c.bind }
func (c *Config) PortMin() int { return c.portMin }
func (c *Config) PortMax() int { return c.portMax }

// Negotiator builds a negotiator from the [codecs] section.
func (c *Config) Negotiator() *negotiate.Negotiator {
	return negotiate.NewNegotiator(c.strip, c.Transcode())
}
