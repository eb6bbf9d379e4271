package rtp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/cloudwebrtc/go-media-relay/pkg/packet"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530
)

var ErrNoRemote = errors.New("rtp: remote address unknown")

// UDPStream is the socket of one leg. Until a remote address is set, the
// source of the first packet received is latched as remote.
type UDPStream struct {
	conn   *net.UDPConn
	laddr  *net.UDPAddr
	raddr  atomic.Pointer[net.UDPAddr]
	closed *abool.AtomicBool
	logger log.Logger
}

func NewUDPStream(bind string, portMin, portMax int) (*UDPStream, error) {
	lAddr := &net.UDPAddr{IP: net.ParseIP(bind), Port: 0}
	conn, err := utils.ListenUDPInPortRange(portMin, portMax, lAddr)
	if err != nil {
		return nil, err
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	return &UDPStream{
		conn:   conn,
		laddr:  laddr,
		closed: abool.New(),
		logger: logger.WithFields(log.Fields{"laddr": laddr.String()}),
	}, nil
}

func (r *UDPStream) Log() log.Logger {
	return r.logger
}

func (r *UDPStream) LocalAddr() *net.UDPAddr {
	return r.laddr
}

func (r *UDPStream) RemoteAddr() *net.UDPAddr {
	return r.raddr.Load()
}

func (r *UDPStream) SetRemoteAddr(raddr *net.UDPAddr) {
	r.raddr.Store(raddr)
}

func (r *UDPStream) Close() error {
	if !r.closed.SetToIf(false, true) {
		return nil
	}
	return r.conn.Close()
}

func (r *UDPStream) Send(pkt []byte) (int, error) {
	raddr := r.raddr.Load()
	if raddr == nil {
		return 0, ErrNoRemote
	}
	r.Log().Tracef("Send to %v, length %d", raddr, len(pkt))
	return r.conn.WriteToUDP(pkt, raddr)
}

// Read calls onPacket for every datagram until the socket is closed or
// onPacket fails. The slice is only valid during the call.
func (r *UDPStream) Read(ctx context.Context, onPacket func(pkt []byte, raddr *net.UDPAddr) error) error {
	buf := make([]byte, packet.MaxPacketSize)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.closed.IsSet() || ctx.Err() != nil {
				return nil
			}
			r.Log().Warnf("RTP conn read failed: %v, stop now!", err)
			return err
		}
		if r.raddr.Load() == nil && r.raddr.CompareAndSwap(nil, raddr) {
			r.Log().Infof("remote latched to %v", raddr)
		}
		r.Log().Tracef("Read rtp from: %v, length: %d", raddr, n)
		if err := onPacket(buf[:n], raddr); err != nil {
			return err
		}
	}
}
