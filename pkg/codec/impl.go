package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pixelbender/go-sdp/sdp"
)

var (
	// ErrNoImplementation means no decoder or encoder exists for a codec.
	ErrNoImplementation = errors.New("codec: no implementation")
	// ErrMalformed is returned by decoders for a unit they cannot parse.
	ErrMalformed = errors.New("codec: malformed payload")
	// ErrDesync is returned by decoders that lost inter-frame state and need
	// a fresh instance.
	ErrDesync = errors.New("codec: decoder desynchronized")
)

// Decoder turns one payload into mono 16 bit PCM at SampleRate.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
	SampleRate() int
	Close() error
}

// Encoder turns mono 16 bit PCM at SampleRate into one payload.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	SampleRate() int
	Close() error
}

// Implementation binds an encoding name to its decoder and encoder
// constructors. Either constructor may be nil.
type Implementation struct {
	Name       string
	Media      MediaType
	NewDecoder func(f *sdp.Format) (Decoder, error)
	NewEncoder func(f *sdp.Format) (Encoder, error)
}

var (
	implMu sync.RWMutex
	impls  = make(map[string]*Implementation)
)

// Register adds or replaces the implementation for impl.Name.
func Register(impl *Implementation) {
	implMu.Lock()
	defer implMu.Unlock()
	impls[strings.ToLower(impl.Name)] = impl
}

// Lookup finds the implementation for a codec entry.
func Lookup(f *sdp.Format) (*Implementation, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	impl, ok := impls[strings.ToLower(Normalize(f).Name)]
	return impl, ok
}

func CanDecode(f *sdp.Format) bool {
	impl, ok := Lookup(f)
	return ok && impl.NewDecoder != nil
}

func CanEncode(f *sdp.Format) bool {
	impl, ok := Lookup(f)
	return ok && impl.NewEncoder != nil
}

func NewDecoder(f *sdp.Format) (Decoder, error) {
	impl, ok := Lookup(f)
	if !ok || impl.NewDecoder == nil {
		return nil, fmt.Errorf("decode %s: %w", String(f), ErrNoImplementation)
	}
	return impl.NewDecoder(Normalize(f))
}

func NewEncoder(f *sdp.Format) (Encoder, error) {
	impl, ok := Lookup(f)
	if !ok || impl.NewEncoder == nil {
		return nil, fmt.Errorf("encode %s: %w", String(f), ErrNoImplementation)
	}
	return impl.NewEncoder(Normalize(f))
}

func init() {
	Register(&Implementation{Name: "PCMU", Media: MediaTypeAudio, NewDecoder: newUlawDecoder, NewEncoder: newUlawEncoder})
	Register(&Implementation{Name: "PCMA", Media: MediaTypeAudio, NewDecoder: newAlawDecoder, NewEncoder: newAlawEncoder})
	Register(&Implementation{Name: "L16", Media: MediaTypeAudio, NewDecoder: newL16Decoder, NewEncoder: newL16Encoder})
	Register(&Implementation{Name: "opus", Media: MediaTypeAudio, NewDecoder: newOpusDecoder})
}
