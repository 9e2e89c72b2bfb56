package blockwise

import (
	"fmt"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// ServerHelper is the per-exchange bookkeeping a server handler uses to
// drive one blockwise session, spec.md §3 "BlockwiseServerHelper" / §4.5.2.
// A session is identified by (remote address, token prefix, URI path,
// ETag); the caller owns that identity and looks up (or creates) the right
// ServerHelper before calling OnRequest.
type ServerHelper struct {
	OptionNumber      message.OptionNumber // Block1 or Block2
	PreferredBlockSize SZX

	nextExpectedOffset int64
	lastBlockSize      int64
	done               bool
	etag               []byte
}

// NewServerHelper creates a helper tracking blockOption (Block1 or Block2).
func NewServerHelper(blockOption message.OptionNumber, preferred SZX) *ServerHelper {
	return &ServerHelper{OptionNumber: blockOption, PreferredBlockSize: preferred}
}

// Done reports whether the final block of the session has been seen.
func (h *ServerHelper) Done() bool { return h.done }

// ETag returns the ETag chosen at block 0, if any.
func (h *ServerHelper) ETag() []byte { return h.etag }

// SetETag installs the ETag the handler chose when it saw block 0.
func (h *ServerHelper) SetETag(etag []byte) { h.etag = append([]byte(nil), etag...) }

// OnRequest inspects the block option on an incoming request and advances
// (or detects the retransmission of) the session, per spec.md §4.5.2 step 1.
// requestWasResent tells the caller to simply resend the previous response
// rather than reprocessing the request.
func (h *ServerHelper) OnRequest(req message.Message) (requestWasResent bool, err error) {
	block, present := GetBlockOption(req.Options, h.OptionNumber)
	if !present {
		// Single-datagram exchange: nothing to track.
		h.done = true
		return false, nil
	}
	offset := block.Offset()
	switch {
	case offset == h.nextExpectedOffset:
		h.nextExpectedOffset = offset + int64(len(req.Payload))
		h.lastBlockSize = int64(len(req.Payload))
		h.done = !block.More
		return false, nil
	case offset == h.nextExpectedOffset-h.lastBlockSize && h.lastBlockSize > 0:
		return true, nil
	default:
		return false, fmt.Errorf("%w: block offset %d, expected %d or a resend of the previous block",
			xerror.ErrInvalidState, offset, h.nextExpectedOffset)
	}
}

// BuildResponseOption computes the Block1 or Block2 option to attach to the
// response for the block just processed by OnRequest, negotiating down to
// h.PreferredBlockSize when the client proposed a larger size.
func (h *ServerHelper) BuildResponseOption(reqOpts message.Options, more bool) message.Option {
	block, _ := GetBlockOption(reqOpts, h.OptionNumber)
	szx := block.SZX
	if szx > h.PreferredBlockSize {
		szx = h.PreferredBlockSize
	}
	out := BlockOption{Num: block.Num, More: more, SZX: szx}
	return message.Option{Number: h.OptionNumber, UintValue: out.Encode()}
}
