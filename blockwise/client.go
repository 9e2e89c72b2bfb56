package blockwise

import (
	"fmt"
	"io"

	"github.com/dsnet/golib/memfile"
	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// PayloadSource yields the outbound payload in chunks, used to drive a
// Block1 transfer without materializing the whole body up front (spec.md
// §3 "payload_source").
type PayloadSource interface {
	// Chunk returns up to size bytes starting at offset, and the total
	// payload length (which must be stable across calls).
	Chunk(offset int64, size int) (data []byte, total int64, err error)
}

// BytesSource is a PayloadSource backed by an in-memory byte slice, the
// common case for request bodies built by a caller up front.
type BytesSource []byte

func (b BytesSource) Chunk(offset int64, size int) ([]byte, int64, error) {
	total := int64(len(b))
	if offset > total {
		return nil, total, fmt.Errorf("%w: offset %d beyond total %d", xerror.ErrOutOfRange, offset, total)
	}
	end := offset + int64(size)
	if end > total {
		end = total
	}
	return b[offset:end], total, nil
}

// Direction selects whether a ClientSession drives Block1 (request body,
// e.g. a blockwise PUT/POST) or Block2 (response body, e.g. a blockwise
// GET) exchanges.
type Direction uint8

const (
	Block1Direction Direction = iota
	Block2Direction
)

// ClientSession is the client-side blockwise state machine of spec.md
// §4.5.1 / §3 "BlockwiseRequestContext". One ClientSession drives one
// logical multi-block transfer; the caller (the endpoint's client request
// manager) is responsible for actually sending/retransmitting each block's
// datagram and feeding responses back in.
type ClientSession struct {
	Direction    Direction
	OptionNumber message.OptionNumber // Block1 or Block2
	BlockSize    SZX
	Source       PayloadSource // set for Block1 sessions

	offsetSent   int64
	sentBlockNum uint32 // Block1: NUM of the block currently awaiting ack
	offsetAcked  int64  // Block1: bytes the server has confirmed
	nextExpected int64  // Block2: offset of the next block we expect

	reassembly    *memfile.File // Block2: growing buffer of delivered payload
	expectedETag  []byte
	haveETag      bool
	paused        bool
	done          bool
}

// NewClientSession creates a session for a fresh blockwise transfer.
// preferredSize is clamped to the nearest supported SZX.
func NewClientSession(dir Direction, number message.OptionNumber, preferredSize int, source PayloadSource) *ClientSession {
	return &ClientSession{
		Direction:    dir,
		OptionNumber: number,
		BlockSize:    SZXFor(preferredSize),
		Source:       source,
	}
}

// Pause sets the session's paused flag, which Paused reports until Resume
// clears it. The session itself does not consult the flag: NextBlock1 and
// NextBlock2Request build the next block whether or not it is set.
func (s *ClientSession) Pause()  { s.paused = true }
func (s *ClientSession) Resume() { s.paused = false }
func (s *ClientSession) Paused() bool { return s.paused }
func (s *ClientSession) Done() bool   { return s.done }

// NextBlock1 builds the option and payload chunk for the next Block1 block
// to send, given the offset already acknowledged by the server.
func (s *ClientSession) NextBlock1() (opt message.Option, chunk []byte, err error) {
	data, total, err := s.Source.Chunk(s.offsetAcked, s.BlockSize.Size())
	if err != nil {
		return message.Option{}, nil, err
	}
	size, more, err := AdjustAndGetChunkSize(s.offsetAcked, len(data), true, total)
	if err != nil {
		return message.Option{}, nil, err
	}
	num := uint32(s.offsetAcked / int64(s.BlockSize.Size()))
	block := BlockOption{Num: num, More: more, SZX: s.BlockSize}
	s.offsetSent = s.offsetAcked + int64(size)
	s.sentBlockNum = num
	return message.Option{Number: s.OptionNumber, UintValue: block.Encode()}, data[:size], nil
}

// BlockOutcome describes what HandleResponse observed.
type BlockOutcome int

const (
	OutcomeContinue BlockOutcome = iota
	OutcomeFinal
	OutcomeError
)

// HandleResponse applies an incoming response block to the session: it
// validates monotonic offsets and ETag continuity (Block2), adopts a
// smaller server-proposed SZX, and reports whether another round is needed.
func (s *ClientSession) HandleResponse(resp message.Message) (BlockOutcome, error) {
	block, present := GetBlockOption(resp.Options, s.OptionNumber)
	if !present {
		// No block option at all: treat as the final (possibly only) block.
		s.done = true
		return OutcomeFinal, nil
	}
	if block.SZX < s.BlockSize {
		s.BlockSize = block.SZX
	}

	switch s.Direction {
	case Block1Direction:
		if block.Num != s.sentBlockNum {
			return OutcomeError, fmt.Errorf("%w: server acked block %d, we sent block %d", xerror.ErrUnexpectedBlock, block.Num, s.sentBlockNum)
		}
		s.offsetAcked = s.offsetSent
		if !block.More && resp.Code != message.Continue {
			s.done = true
			return OutcomeFinal, nil
		}
		return OutcomeContinue, nil

	case Block2Direction:
		if block.Offset() != s.nextExpected {
			return OutcomeError, fmt.Errorf("%w: got offset %d, expected %d", xerror.ErrUnexpectedBlock, block.Offset(), s.nextExpected)
		}
		if etag, ok := resp.Options.Get(message.ETag); ok {
			if !s.haveETag {
				s.expectedETag = append([]byte(nil), etag.Value...)
				s.haveETag = true
			} else if !bytesEqual(s.expectedETag, etag.Value) {
				return OutcomeError, xerror.ErrEtagMismatch
			}
		}
		if err := s.appendReassembly(resp.Payload); err != nil {
			return OutcomeError, err
		}
		s.nextExpected = block.Offset() + int64(len(resp.Payload))
		if !block.More {
			s.done = true
			return OutcomeFinal, nil
		}
		return OutcomeContinue, nil
	}
	return OutcomeError, xerror.ErrInternal
}

// NextBlock2Request returns the Block2 option for the next GET to send,
// requesting the block at s.nextExpected with the negotiated size.
func (s *ClientSession) NextBlock2Request() message.Option {
	num := uint32(s.nextExpected / int64(s.BlockSize.Size()))
	block := BlockOption{Num: num, More: false, SZX: s.BlockSize}
	return message.Option{Number: s.OptionNumber, UintValue: block.Encode()}
}

func (s *ClientSession) appendReassembly(payload []byte) error {
	if s.reassembly == nil {
		f, err := memfile.New(nil)
		if err != nil {
			return fmt.Errorf("%w: %v", xerror.ErrOutOfMemory, err)
		}
		s.reassembly = f
	}
	if _, err := s.reassembly.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := s.reassembly.Write(payload)
	return err
}

// Reassembled returns the full reassembled Block2 payload collected so far.
func (s *ClientSession) Reassembled() ([]byte, error) {
	if s.reassembly == nil {
		return nil, nil
	}
	if _, err := s.reassembly.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(s.reassembly)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
