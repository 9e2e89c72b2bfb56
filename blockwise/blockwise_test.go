package blockwise

import (
	"bytes"
	"errors"
	"testing"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

func TestAdjustAndGetChunkSize(t *testing.T) {
	size, more, err := AdjustAndGetChunkSize(0, 1024, true, 3000)
	if err != nil || size != 1024 || !more {
		t.Fatalf("got %d %v %v", size, more, err)
	}
	size, more, err = AdjustAndGetChunkSize(2048, 1024, true, 3000)
	if err != nil || size != 952 || more {
		t.Fatalf("got %d %v %v", size, more, err)
	}
	_, _, err = AdjustAndGetChunkSize(3000, 1024, true, 3000)
	if !errors.Is(err, xerror.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// Scenario 5 (spec.md §8): blockwise PUT with Block1, three 1024-byte blocks
// covering a 3000-byte payload.
func TestClientSessionBlock1ThreeBlocks(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 3000)
	s := NewClientSession(Block1Direction, message.Block1, 1024, BytesSource(payload))

	var nums []uint32
	var mores []bool
	serverCodes := []message.Code{message.Continue, message.Continue, message.Changed}
	for i := 0; i < 3; i++ {
		opt, chunk, err := s.NextBlock1()
		if err != nil {
			t.Fatalf("NextBlock1[%d]: %v", i, err)
		}
		block := DecodeBlockOption(opt.UintValue)
		nums = append(nums, block.Num)
		mores = append(mores, block.More)
		resp := message.Message{Code: serverCodes[i], Options: message.Options{opt}}
		outcome, err := s.HandleResponse(resp)
		if err != nil {
			t.Fatalf("HandleResponse[%d]: %v", i, err)
		}
		if i < 2 && outcome != OutcomeContinue {
			t.Fatalf("expected continue at block %d, got %v", i, outcome)
		}
		if i == 2 {
			if outcome != OutcomeFinal {
				t.Fatalf("expected final at last block, got %v", outcome)
			}
			if len(chunk) != 3000-2048 {
				t.Fatalf("expected final chunk of %d bytes, got %d", 3000-2048, len(chunk))
			}
		}
	}
	if nums[0] != 0 || nums[1] != 1 || nums[2] != 2 {
		t.Fatalf("unexpected block numbers: %v", nums)
	}
	if !mores[0] || !mores[1] || mores[2] {
		t.Fatalf("unexpected more flags: %v", mores)
	}
}

// Scenario 6 (spec.md §8): ETag change mid Block2 session terminates with
// EtagMismatch.
func TestClientSessionBlock2EtagMismatch(t *testing.T) {
	s := NewClientSession(Block2Direction, message.Block2, 1024, nil)

	block0 := BlockOption{Num: 0, More: true, SZX: SZX1024}
	resp0 := message.Message{
		Code:    message.Content,
		Options: message.Options{{Number: message.Block2, UintValue: block0.Encode()}, {Number: message.ETag, Value: []byte{0xAA}}},
		Payload: bytes.Repeat([]byte{1}, 1024),
	}
	outcome, err := s.HandleResponse(resp0)
	if err != nil || outcome != OutcomeContinue {
		t.Fatalf("block0: outcome=%v err=%v", outcome, err)
	}

	block1 := BlockOption{Num: 1, More: false, SZX: SZX1024}
	resp1 := message.Message{
		Code:    message.Content,
		Options: message.Options{{Number: message.Block2, UintValue: block1.Encode()}, {Number: message.ETag, Value: []byte{0xBB}}},
		Payload: bytes.Repeat([]byte{2}, 10),
	}
	outcome, err = s.HandleResponse(resp1)
	if !errors.Is(err, xerror.ErrEtagMismatch) {
		t.Fatalf("expected ErrEtagMismatch, got outcome=%v err=%v", outcome, err)
	}
	if outcome != OutcomeError {
		t.Fatalf("expected OutcomeError, got %v", outcome)
	}
}

func TestClientSessionBlock2UnexpectedOffset(t *testing.T) {
	s := NewClientSession(Block2Direction, message.Block2, 1024, nil)
	block1 := BlockOption{Num: 1, More: false, SZX: SZX1024} // skips block 0
	resp := message.Message{
		Options: message.Options{{Number: message.Block2, UintValue: block1.Encode()}},
		Payload: []byte{1, 2, 3},
	}
	outcome, err := s.HandleResponse(resp)
	if !errors.Is(err, xerror.ErrUnexpectedBlock) || outcome != OutcomeError {
		t.Fatalf("got outcome=%v err=%v", outcome, err)
	}
}

func TestServerHelperTracksRetransmissionAndAdvance(t *testing.T) {
	h := NewServerHelper(message.Block1, SZX1024)
	block0 := BlockOption{Num: 0, More: true, SZX: SZX1024}
	req0 := message.Message{Options: message.Options{{Number: message.Block1, UintValue: block0.Encode()}}, Payload: make([]byte, 1024)}
	resent, err := h.OnRequest(req0)
	if err != nil || resent {
		t.Fatalf("resent=%v err=%v", resent, err)
	}

	// Retransmission of block 0.
	resent, err = h.OnRequest(req0)
	if err != nil || !resent {
		t.Fatalf("expected resend detection, got resent=%v err=%v", resent, err)
	}

	block1 := BlockOption{Num: 1, More: false, SZX: SZX1024}
	req1 := message.Message{Options: message.Options{{Number: message.Block1, UintValue: block1.Encode()}}, Payload: make([]byte, 10)}
	resent, err = h.OnRequest(req1)
	if err != nil || resent {
		t.Fatalf("resent=%v err=%v", resent, err)
	}
	if !h.Done() {
		t.Fatal("expected session done after final block")
	}
}

func TestServerHelperRejectsInvalidOffset(t *testing.T) {
	h := NewServerHelper(message.Block1, SZX1024)
	block5 := BlockOption{Num: 5, More: true, SZX: SZX1024}
	req := message.Message{Options: message.Options{{Number: message.Block1, UintValue: block5.Encode()}}, Payload: make([]byte, 1024)}
	_, err := h.OnRequest(req)
	if !errors.Is(err, xerror.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
