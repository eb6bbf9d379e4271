package media

import (
	"sort"
	"sync/atomic"

	"github.com/tevino/abool"
)

// table is one immutable version of a stream's handler map. refs counts the
// owner reference held while published plus one per running reader; each
// handler in the map holds one reference for this table.
type table struct {
	handlers map[uint8]*Handler
	refs     atomic.Int32
}

func newTable(handlers map[uint8]*Handler) *table {
	if handlers == nil {
		handlers = make(map[uint8]*Handler)
	}
	t := &table{handlers: handlers}
	t.refs.Store(1)
	return t
}

// tryAcquire fails once the count reached zero; a retired table never comes
// back to life.
func (t *table) tryAcquire() bool {
	for {
		r := t.refs.Load()
		if r <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (t *table) release() {
	switch r := t.refs.Add(-1); {
	case r == 0:
		for _, h := range t.handlers {
			h.unref()
		}
	case r < 0:
		panic("media: handler table released too often")
	}
}

func (t *table) payloadTypes() []uint8 {
	res := make([]uint8, 0, len(t.handlers))
	for pt := range t.handlers {
		res = append(res, pt)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Snapshot is a reader's view of one published table version. Handlers
// looked up through it stay valid until Release.
type Snapshot struct {
	t        *table
	released *abool.AtomicBool
}

// Lookup finds the handler for a payload type.
func (sn *Snapshot) Lookup(pt uint8) (*Handler, bool) {
	h, ok := sn.t.handlers[pt]
	return h, ok
}

// PayloadTypes lists the table's keys in ascending order.
func (sn *Snapshot) PayloadTypes() []uint8 {
	return sn.t.payloadTypes()
}

func (sn *Snapshot) Len() int {
	return len(sn.t.handlers)
}

func (sn *Snapshot) Release() {
	if sn.released.SetToIf(false, true) {
		sn.t.release()
	}
}
