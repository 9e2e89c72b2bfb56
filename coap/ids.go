package coap

import "go.uber.org/atomic"

// idAllocator hands out message IDs and tokens from atomically incremented
// counters seeded from a RandomSource, per spec.md §4.1. Wraparound is
// expected and harmless: message IDs only need to be distinct within the
// dedup window, and tokens only need to be distinct among outstanding
// requests.
type idAllocator struct {
	mid   atomic.Uint32
	token atomic.Uint64
}

func newIDAllocator(random RandomSource) *idAllocator {
	a := &idAllocator{}
	a.mid.Store(random.Uint32())
	a.token.Store(random.Uint64())
	return a
}

// NextMessageID returns the next 16-bit message ID.
func (a *idAllocator) NextMessageID() uint16 {
	return uint16(a.mid.Inc())
}

// NextToken returns the next 8-byte token as a slice of the requested
// length (1-8), truncated from the low-order bytes of a 64-bit counter.
func (a *idAllocator) NextToken(length int) []byte {
	if length <= 0 {
		return nil
	}
	if length > 8 {
		length = 8
	}
	v := a.token.Inc()
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf[8-length:]
}
