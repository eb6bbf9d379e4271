// Package rtp moves RTP between the sockets of a bridge's two legs through
// the legs' media streams.
package rtp

import (
	"context"
	"errors"
	"net"

	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/config"
	"github.com/cloudwebrtc/go-media-relay/pkg/media"
	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/cloudwebrtc/go-media-relay/pkg/relay"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
)

var logger log.Logger

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "RTP", nil)
}

var errStopped = errors.New("rtp: forwarder stopped")

// Forwarder relays one bridge: packets read on a leg's socket go through that
// leg's stream and out of the other leg's socket.
type Forwarder struct {
	bridge  *relay.Bridge
	legs    [2]*UDPStream
	pliSent [2]*abool.AtomicBool
	logger  log.Logger
}

func NewForwarder(b *relay.Bridge, cfg *config.Config) (*Forwarder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &Forwarder{
		bridge: b,
		logger: logger.WithFields(log.Fields{"bridge": b.ID().String()}),
	}
	for _, leg := range []relay.Leg{relay.LegA, relay.LegB} {
		s, err := NewUDPStream(cfg.Bind(), cfg.PortMin(), cfg.PortMax())
		if err != nil {
			f.closeLegs()
			return nil, err
		}
		f.legs[leg] = s
		f.pliSent[leg] = abool.New()
	}
	return f, nil
}

// Leg returns the socket facing leg.
func (f *Forwarder) Leg(leg relay.Leg) *UDPStream {
	return f.legs[leg]
}

func (f *Forwarder) closeLegs() {
	for _, s := range f.legs {
		if s != nil {
			s.Close()
		}
	}
}

// Run forwards until ctx is done, the bridge is closed or a socket fails.
// The sockets are closed on return.
func (f *Forwarder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, leg := range []relay.Leg{relay.LegA, relay.LegB} {
		leg := leg
		g.Go(func() error {
			return f.forward(ctx, leg)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		f.closeLegs()
		return nil
	})
	f.logger.Infof("forwarding A %v <-> B %v", f.legs[relay.LegA].LocalAddr(), f.legs[relay.LegB].LocalAddr())
	err := g.Wait()
	if errors.Is(err, errStopped) {
		err = nil
	}
	f.logger.Infof("forwarder stopped")
	return err
}

func (f *Forwarder) forward(ctx context.Context, leg relay.Leg) error {
	in, out := f.legs[leg], f.legs[leg.Other()]
	stream := f.bridge.Stream(leg)
	queue := packet.NewQueue()
	defer queue.ReleaseAll()

	err := in.Read(ctx, func(raw []byte, raddr *net.UDPAddr) error {
		if isRTCP(raw) {
			if _, err := out.Send(raw); err != nil && !errors.Is(err, ErrNoRemote) {
				f.logger.Debugf("rtcp to %s: %v", leg.Other(), err)
			}
			return nil
		}
		_, err := stream.HandleRTP(raw, queue)
		switch {
		case errors.Is(err, media.ErrStreamClosed):
			return errStopped
		case err != nil:
			stream.Log().Tracef("drop from %v: %v", raddr, err)
		}
		queue.Drain(func(buf *packet.Buffer) {
			if _, err := out.Send(buf.Bytes()); err != nil {
				f.logger.Debugf("send to %s: %v", leg.Other(), err)
			}
			buf.Release()
		})
		f.requestKeyFrame(leg, stream, raw)
		return nil
	})
	if err != nil {
		return err
	}
	// socket closed under us: stop the other leg too
	return errStopped
}

// requestKeyFrame asks the sender of a video stream whose decoder lost sync
// for a key frame, once per resync.
func (f *Forwarder) requestKeyFrame(leg relay.Leg, stream *media.Stream, raw []byte) {
	if !stream.NeedsResync() {
		f.pliSent[leg].UnSet()
		return
	}
	if stream.MediaType() != codec.MediaTypeVideo || !f.pliSent[leg].SetToIf(false, true) {
		return
	}
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(raw); err != nil {
		return
	}
	pli, err := pictureLoss(hdr.SSRC)
	if err != nil {
		return
	}
	if _, err := f.legs[leg].Send(pli); err != nil {
		f.logger.Debugf("pli to %s: %v", leg, err)
		return
	}
	stream.Log().Debugf("requested key frame from ssrc %d", hdr.SSRC)
}

func pictureLoss(ssrc uint32) ([]byte, error) {
	return rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// isRTCP tells RTCP from RTP on a muxed port by the packet type octet.
func isRTCP(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	pt := raw[1]
	return pt >= 192 && pt <= 223
}
