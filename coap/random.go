package coap

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomSource is the entropy provider of spec.md §1, used to seed
// message-id/token counters and to jitter the first retransmission
// timeout.
type RandomSource interface {
	Uint32() uint32
	Uint64() uint64
}

type cryptoRandomSource struct{}

// NewCryptoRandomSource returns a RandomSource backed by crypto/rand.
func NewCryptoRandomSource() RandomSource { return cryptoRandomSource{} }

func (cryptoRandomSource) Uint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (cryptoRandomSource) Uint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
