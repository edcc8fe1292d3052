package gateway

import (
	"go.uber.org/atomic"

	matrixutil "github.com/matrix-org/util"
)

// newConnectionID generates an opaque per-connection identifier, the same
// one-line call the teacher's proxy uses for request/registration ids.
func newConnectionID() string {
	return matrixutil.RandomString(16)
}

// invokeIDCursor allocates DLMS invoke-ids cycling 1..255 (§4.G, §4.M),
// skipping whatever is currently outstanding in a connection's pending table.
type invokeIDCursor struct {
	next atomic.Uint32
}

func newInvokeIDCursor() *invokeIDCursor {
	c := &invokeIDCursor{}
	c.next.Store(1)
	return c
}

// allocate returns the next invoke-id not present in `outstanding`. It cycles
// 1..255 and never returns 0 (reserved/unused by the wire format).
func (c *invokeIDCursor) allocate(outstanding map[byte]struct{}) byte {
	for i := 0; i < 255; i++ {
		v := c.next.Add(1) - 1
		id := byte((v % 255) + 1)
		if _, busy := outstanding[id]; !busy {
			return id
		}
	}
	// Table is saturated (>=255 outstanding on one connection); this cannot
	// happen given I5's 50-entry pending cap, but return something rather
	// than panicking.
	return byte((c.next.Load() % 255) + 1)
}
