// Package blockwise implements RFC 7959 blockwise transfers: the
// client-side Block1/Block2 session state machine (spec.md §4.5.1) and the
// server-side per-exchange helper (spec.md §4.5.2).
package blockwise

import (
	"fmt"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// SZX is the 3-bit block size exponent; size = 1 << (SZX+4).
type SZX uint8

const (
	SZX16   SZX = 0
	SZX32   SZX = 1
	SZX64   SZX = 2
	SZX128  SZX = 3
	SZX256  SZX = 4
	SZX512  SZX = 5
	SZX1024 SZX = 6
)

// Size returns the byte size this exponent encodes.
func (s SZX) Size() int { return 1 << (uint(s) + 4) }

// SZXFor returns the largest SZX whose Size() does not exceed size, clamped
// to [SZX16, SZX1024]. It is used to negotiate down to a server-advertised
// block size.
func SZXFor(size int) SZX {
	szx := SZX1024
	for szx > SZX16 && szx.Size() > size {
		szx--
	}
	return szx
}

// BlockOption is the decoded {NUM, M, SZX} triple carried by a Block1/Block2
// option value (RFC 7959 §2.2).
type BlockOption struct {
	Num  uint32
	More bool
	SZX  SZX
}

// Encode packs the block option fields into the option's uint wire value.
func (b BlockOption) Encode() uint32 {
	v := b.Num << 4
	if b.More {
		v |= 1 << 3
	}
	v |= uint32(b.SZX)
	return v
}

// DecodeBlockOption unpacks a Block1/Block2 option's uint wire value.
func DecodeBlockOption(v uint32) BlockOption {
	return BlockOption{
		Num:  v >> 4,
		More: (v>>3)&1 == 1,
		SZX:  SZX(v & 0x7),
	}
}

// Offset returns the byte offset of this block within the full transfer.
func (b BlockOption) Offset() int64 { return int64(b.Num) * int64(b.SZX.Size()) }

// GetBlockOption reads and decodes the given Block1/Block2 option from opts,
// if present.
func GetBlockOption(opts message.Options, number message.OptionNumber) (BlockOption, bool) {
	o, ok := opts.Get(number)
	if !ok {
		return BlockOption{}, false
	}
	return DecodeBlockOption(o.UintValue), true
}

// AdjustAndGetChunkSize implements spec.md §4.5.3: given a proposed
// (offset, size, more) and the transfer's total length, it clamps size to
// what remains and recomputes more, or reports ErrOutOfRange when offset is
// at or past total (for a non-empty transfer).
func AdjustAndGetChunkSize(offset int64, sizeIn int, moreIn bool, total int64) (size int, more bool, err error) {
	if offset >= total && offset > 0 {
		return 0, false, fmt.Errorf("%w: offset %d >= total %d", xerror.ErrOutOfRange, offset, total)
	}
	remaining := total - offset
	size = sizeIn
	if int64(size) > remaining {
		size = int(remaining)
	}
	more = offset+int64(size) < total
	_ = moreIn
	return size, more, nil
}
