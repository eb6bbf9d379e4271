// Package media holds the per-stream payload handler table of the relay.
//
// A Stream is one direction of one call leg. Rebuild derives the stream's
// payload type -> Handler table from its own codec set and the codec set of
// the stream packets are relayed to, and publishes it with a single pointer
// swap. Dispatch looks a packet's payload type up in the published table and
// runs the handler, which appends zero or more packet buffers to a queue.
//
// Tables are reference counted. A dispatch holds a reference on the table
// version it captured until the handler returns, so a table and the codec
// state of handlers that were not carried into the next version are only
// released after the last reader is done with them.
package media

import (
	"errors"

	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/ghettovoice/gosip/log"
)

var (
	// ErrNotFound is returned for a payload type without handler.
	ErrNotFound = errors.New("media: no handler for payload type")
	// ErrDecode is a malformed or undecodable unit; only that packet is lost.
	ErrDecode = errors.New("media: decode error")
	// ErrUnsupported means a handler got input it was not built for.
	ErrUnsupported = errors.New("media: unsupported input for handler")
	// ErrMalformedPacket is an RTP packet that failed to parse.
	ErrMalformedPacket = errors.New("media: malformed rtp packet")
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("media: stream closed")
	// ErrHandlerClosed is returned by Dispatch on a handler whose codec state
	// has been released.
	ErrHandlerClosed = errors.New("media: handler closed")
	// ErrNoTranscodePath means the sink offers no codec the receiver's codec
	// can be transcoded into.
	ErrNoTranscodePath = errors.New("media: no sink codec to transcode into")
	// ErrDuplicatePayloadType means a codec set uses one number twice.
	ErrDuplicatePayloadType = errors.New("media: duplicate payload type in codec set")
)

var logger log.Logger

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Media", nil)
}
